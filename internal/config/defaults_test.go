package config

import "testing"

func TestDefaults(t *testing.T) {
	o := Defaults()
	if len(o.Listen) != 1 || o.Listen[0] != DefaultListen {
		t.Errorf("Listen = %v, want [%s]", o.Listen, DefaultListen)
	}
	if o.MaxWorkers != DefaultMaxWorkers {
		t.Errorf("MaxWorkers = %d, want %d", o.MaxWorkers, DefaultMaxWorkers)
	}
	if o.GracefulExitTimeout != DefaultGracefulExitTimeout {
		t.Errorf("GracefulExitTimeout = %v, want %v", o.GracefulExitTimeout, DefaultGracefulExitTimeout)
	}
	if o.URLScheme != DefaultURLScheme {
		t.Errorf("URLScheme = %q, want %q", o.URLScheme, DefaultURLScheme)
	}
}

func TestApplyDefaults_LeavesSetFieldsAlone(t *testing.T) {
	o := &Options{MaxWorkers: 42, URLScheme: "https"}
	ApplyDefaults(o)

	if o.MaxWorkers != 42 {
		t.Errorf("MaxWorkers was overwritten: got %d", o.MaxWorkers)
	}
	if o.URLScheme != "https" {
		t.Errorf("URLScheme was overwritten: got %q", o.URLScheme)
	}
	if len(o.Listen) != 1 || o.Listen[0] != DefaultListen {
		t.Errorf("Listen default not applied: %v", o.Listen)
	}
	if o.UnixSocketPerms != DefaultUnixSocketPerms {
		t.Errorf("UnixSocketPerms default not applied: %q", o.UnixSocketPerms)
	}
}
