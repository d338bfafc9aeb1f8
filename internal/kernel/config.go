// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"time"

	"grimm.is/flowguard/internal/errors"
	"grimm.is/flowguard/internal/logging"
)

// ErrUnsupportedPlatform is returned by OpenLinux on other operating systems.
var ErrUnsupportedPlatform = errors.New(errors.KindUnsupported, "kernel interception is only available on linux")

// LinuxConfig configures the netfilter provider.
type LinuxConfig struct {
	TableName   string
	QueueOut    uint16
	QueueIn     uint16
	MaxQueueLen uint32
	InjectMark  uint32
	RejectMark  uint32
	// ConntrackWorkers is the number of goroutines decoding conntrack events.
	ConntrackWorkers uint8
	Timeout          time.Duration
	Logger           *logging.Logger
}

// DefaultLinuxConfig returns the defaults used when fields are left empty.
func DefaultLinuxConfig() LinuxConfig {
	return LinuxConfig{
		TableName:        "flowguard",
		QueueOut:         717,
		QueueIn:          718,
		MaxQueueLen:      4096,
		InjectMark:       DefaultInjectMark,
		RejectMark:       DefaultRejectMark,
		ConntrackWorkers: 2,
		Timeout:          100 * time.Millisecond,
	}
}

func (c LinuxConfig) withDefaults() LinuxConfig {
	d := DefaultLinuxConfig()
	if c.TableName == "" {
		c.TableName = d.TableName
	}
	if c.QueueOut == 0 {
		c.QueueOut = d.QueueOut
	}
	if c.QueueIn == 0 {
		c.QueueIn = d.QueueIn
	}
	if c.MaxQueueLen == 0 {
		c.MaxQueueLen = d.MaxQueueLen
	}
	if c.InjectMark == 0 {
		c.InjectMark = d.InjectMark
	}
	if c.RejectMark == 0 {
		c.RejectMark = d.RejectMark
	}
	if c.ConntrackWorkers == 0 {
		c.ConntrackWorkers = d.ConntrackWorkers
	}
	if c.Timeout == 0 {
		c.Timeout = d.Timeout
	}
	if c.Logger == nil {
		c.Logger = logging.WithComponent("kernel")
	}
	return c
}

// Validate checks the configuration.
func (c LinuxConfig) Validate() error {
	c = c.withDefaults()
	if c.QueueOut == c.QueueIn {
		return errors.Errorf(errors.KindValidation, "outbound and inbound queues must differ (both %d)", c.QueueOut)
	}
	if c.InjectMark == c.RejectMark {
		return errors.Errorf(errors.KindValidation, "inject and reject marks must differ (both %#x)", c.InjectMark)
	}
	return nil
}
