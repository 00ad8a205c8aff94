package main

import (
	"time"

	"github.com/CZERTAINLY/Jobman/internal/model"

	"github.com/spf13/pflag"
)

// durationFlag accepts the 1w2d3h4m5s grammar as well as Go durations.
type durationFlag struct {
	d   time.Duration
	set bool
}

var _ pflag.Value = (*durationFlag)(nil)

func (f *durationFlag) String() string {
	if !f.set {
		return ""
	}
	return f.d.String()
}

func (f *durationFlag) Set(s string) error {
	d, err := model.ParseDuration(s)
	if err != nil {
		return err
	}
	f.d, f.set = d, true
	return nil
}

func (f *durationFlag) Type() string {
	return "duration"
}

// timeFlag is a wall clock instant, a bare clock time means today.
type timeFlag struct {
	t   *time.Time
	now func() time.Time
}

var _ pflag.Value = (*timeFlag)(nil)

func newTimeFlag() *timeFlag {
	return &timeFlag{now: time.Now}
}

func (f *timeFlag) String() string {
	if f.t == nil {
		return ""
	}
	return f.t.Format(time.RFC3339)
}

func (f *timeFlag) Set(s string) error {
	t, err := model.ParseTime(s, f.now())
	if err != nil {
		return err
	}
	f.t = &t
	return nil
}

func (f *timeFlag) Type() string {
	return "time"
}

// Time returns the parsed instant, zero when the flag was not given.
func (f *timeFlag) Time() time.Time {
	if f.t == nil {
		return time.Time{}
	}
	return *f.t
}
