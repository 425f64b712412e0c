/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

const (
	TRACE = iota
	DEBUG
	INFO
	ERROR
	FATAL
	NONE
)

type Log struct {
	level uint
	lg    *logrus.Logger
}

var log = Log{INFO, newlg(false)}

func newlg(stamps bool) *logrus.Logger {

	lg := logrus.New()
	lg.SetOutput(os.Stderr)
	lg.SetLevel(logrus.TraceLevel) // gating is done by Log.level
	lg.SetFormatter(&logrus.TextFormatter{
		DisableColors:    true,
		FullTimestamp:    stamps,
		DisableTimestamp: !stamps,
		TimestampFormat:  "15:04:05.000000",
	})
	return lg
}

func (l *Log) set(level uint, stamps bool) {

	l.level = level
	l.lg = newlg(stamps)
}

func (l *Log) fatal(msg string, params ...interface{}) {

	l.lg.Errorf("F "+msg, params...)
	select {
	case goexit <- "fatal":
		select {}
	default: // if goexit not ready, just exit
		os.Exit(1)
	}
}

func (l *Log) err(msg string, params ...interface{}) {

	if l.level <= ERROR {
		l.lg.Errorf("E "+msg, params...)
	}
}

func (l *Log) info(msg string, params ...interface{}) {

	if l.level <= INFO {
		l.lg.Infof("I "+msg, params...)
	}
}

func (l *Log) debug(msg string, params ...interface{}) {

	if len(cli.debug) == 0 {
		return
	}

	_, fname, line, ok := runtime.Caller(1)
	if !ok {
		return
	}

	bix := 0
	eix := len(fname)
	if ix := strings.LastIndex(fname, "/"); ix >= 0 {
		bix = ix + 1
	}
	if ix := strings.LastIndex(fname, "."); ix >= 0 {
		eix = ix
	}

	if cli.debug[fname[bix:eix]] || cli.debug["all"] {
		msg = fmt.Sprintf("%v(%v): ", fname[bix:], line) + msg
		l.lg.Debugf("D "+msg, params...)
	}
}

func (l *Log) trace(msg string, params ...interface{}) {

	if l.level <= TRACE {
		l.lg.Tracef("T "+msg, params...)
	}
}
