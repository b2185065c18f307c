package main

import "time"

// Flag structs to decouple cobra from logic for testing.

type ServeFlags struct {
	ConfigPath string
	Daemonize  bool
	PidFile    string
	LogFile    string
	LockFile   string
}

type StatusFlags struct {
	APIUrl     string
	APITimeout time.Duration
	CACert     string
	Insecure   bool
	JSON       bool
	File       string
}

type ScriptFlags struct {
	ConfigPath string
	Vars       []string
	Timeout    time.Duration
}
