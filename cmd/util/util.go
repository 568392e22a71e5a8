package util

import (
	"strings"
	"time"

	"github.com/ValentinKolb/dRCU/lib/common"
	"github.com/joho/godotenv"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var Logger = logger.GetLogger("cli")

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var currentLine strings.Builder
	lineWidth := 0

	for _, word := range strings.Fields(text) {
		wordWidth := len(word)

		if lineWidth > 0 && lineWidth+1+wordWidth > Wrap {
			wrappedLines = append(wrappedLines, currentLine.String())
			currentLine.Reset()
			lineWidth = 0
		}

		if lineWidth > 0 {
			currentLine.WriteString(" ")
			lineWidth++
		}

		currentLine.WriteString(word)
		lineWidth += wordWidth
	}

	if currentLine.Len() > 0 {
		wrappedLines = append(wrappedLines, currentLine.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupHostFlags adds the host configuration flags to a command
func SetupHostFlags(cmd *cobra.Command) {
	defaults := common.DefaultHostConfig()

	key := "contexts"
	cmd.PersistentFlags().Int(key, defaults.Contexts, WrapString("Number of execution contexts (worker goroutines) of the host, defaults to the number of CPUs"))

	key = "tick-interval"
	cmd.PersistentFlags().Duration(key, defaults.TickInterval, WrapString("Period of the per-context tick that reports quiescent states and processes callbacks"))

	key = "max-batch"
	cmd.PersistentFlags().Int(key, defaults.MaxBatch, WrapString("Number of callbacks a context invokes before it yields to other work"))

	key = "max-contexts"
	cmd.PersistentFlags().Int(key, defaults.MaxContexts, WrapString("Maximum number of contexts that can be online at once"))

	key = "fast-class"
	cmd.PersistentFlags().Bool(key, defaults.FastClass, WrapString("Whether to run the second, independent grace-period class"))

	key = "log-level"
	cmd.PersistentFlags().String(key, defaults.LogLevel, WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// InitConfig loads .env files and makes viper read DRCU_<FLAG> environment variables
func InitConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("drcu")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// BindCommandFlags binds a command's flags (including the inherited ones) to viper
func BindCommandFlags(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.InheritedFlags()); err != nil {
		return err
	}
	return viper.BindPFlags(cmd.Flags())
}

// GetHostConfig reads the host configuration from viper
func GetHostConfig() common.HostConfig {
	conf := common.HostConfig{
		Contexts:     viper.GetInt("contexts"),
		TickInterval: viper.GetDuration("tick-interval"),
		MaxBatch:     viper.GetInt("max-batch"),
		MaxContexts:  viper.GetInt("max-contexts"),
		FastClass:    viper.GetBool("fast-class"),
		Endpoint:     viper.GetString("endpoint"),
		LogLevel:     viper.GetString("log-level"),
	}
	if conf.TickInterval <= 0 {
		conf.TickInterval = time.Millisecond
	}
	return conf
}

// SetupHost validates the host configuration and initializes the loggers
func SetupHost(cmd *cobra.Command) (common.HostConfig, error) {
	if err := BindCommandFlags(cmd); err != nil {
		return common.HostConfig{}, err
	}
	conf := GetHostConfig()
	if err := conf.Validate(); err != nil {
		return common.HostConfig{}, err
	}
	common.InitLoggers(conf)
	return conf, nil
}
