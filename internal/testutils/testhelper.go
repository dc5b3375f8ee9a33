// Package testutils provides shared helpers for package tests: a silenced
// logger and builders for broadcast advertising payloads.
package testutils

import (
	"github.com/sirupsen/logrus"
)

// QuietLogger returns a logger suppressed for tests. Raise the level locally
// when a test needs to trace execution flow.
func QuietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// CreateMockAnnouncement builds a broadcast audio announcement for the given
// broadcast ID with common defaults applied.
func CreateMockAnnouncement(id int, name string, rssi int) *AnnouncementBuilder {
	return NewAnnouncementBuilder(id).WithName(name).WithRSSI(rssi)
}
