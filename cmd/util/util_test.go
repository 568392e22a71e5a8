package util

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func TestWrapString(t *testing.T) {
	text := strings.Repeat("word ", 30)
	for _, line := range strings.Split(WrapString(text), "\n") {
		if len(line) > Wrap {
			t.Errorf("line exceeds %d characters: %q", Wrap, line)
		}
	}
	if WrapString("short text") != "short text" {
		t.Error("short text should not be wrapped")
	}
}

func TestGetHostConfig(t *testing.T) {
	viper.Reset()
	t.Setenv("DRCU_CONTEXTS", "3")
	t.Setenv("DRCU_TICK_INTERVAL", "2ms")
	InitConfig()

	cmd := &cobra.Command{Use: "test"}
	SetupHostFlags(cmd)
	if err := BindCommandFlags(cmd); err != nil {
		t.Fatal(err)
	}
	if err := viper.BindPFlags(cmd.PersistentFlags()); err != nil {
		t.Fatal(err)
	}

	conf := GetHostConfig()
	if conf.Contexts != 3 {
		t.Errorf("expected 3 contexts from the environment, got %d", conf.Contexts)
	}
	if conf.TickInterval != 2*time.Millisecond {
		t.Errorf("expected 2ms tick interval, got %s", conf.TickInterval)
	}
	if conf.MaxBatch != 10 || !conf.FastClass || conf.LogLevel != "info" {
		t.Errorf("unexpected defaults %+v", conf)
	}
	if err := conf.Validate(); err != nil {
		t.Errorf("config should be valid: %v", err)
	}
}
