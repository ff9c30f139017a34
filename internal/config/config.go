package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/bemasher/BodyBuggBypass/internal/device"
	"github.com/bemasher/BodyBuggBypass/internal/utils"
)

const DefaultAppName = "bodybugg"
const DefaultConfigName = "config"
const DefaultConfigEnv = "BODYBUGG_CONFIG"
const DefaultProduct = "BodyMedia"
const DefaultBaud = 115200
const DefaultReadTimeout = time.Second
const DefaultResponseTimeout = 30 * time.Second
const DefaultOutputDir = "."

var userHomeDir, _ = os.UserHomeDir()
var DefaultConfig = path.Join(userHomeDir, ".config/"+DefaultAppName+"/"+DefaultConfigName+".yaml")
var DefaultConfigSearchPath0 = path.Join(userHomeDir, ".config", DefaultAppName)

const DefaultConfigSearchPath1 = "/etc/" + DefaultAppName
const DefaultConfigSearchPath2 = "./"

type DeviceOpt struct {
	Port            string          `yaml:"port" mapstructure:"port"`
	Baud            int             `yaml:"baud" mapstructure:"baud"`
	ReadTimeout     time.Duration   `yaml:"read_timeout" mapstructure:"read_timeout"`
	ResponseTimeout time.Duration   `yaml:"response_timeout" mapstructure:"response_timeout"`
	EndMarker       string          `yaml:"end_marker" mapstructure:"end_marker"`
	Selector        device.Selector `yaml:"selector" mapstructure:"selector"`
	Address         device.Address  `yaml:"address" mapstructure:"address"`
}

type OutputOpt struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

type BodyBuggOpt struct {
	Device    DeviceOpt `yaml:"device" mapstructure:"device"`
	Output    OutputOpt `yaml:"output" mapstructure:"output"`
	SkipReset bool      `yaml:"skip_reset" mapstructure:"skip_reset"`
	Debug     bool      `yaml:"debug" mapstructure:"debug"`
}

type BodyBuggDesc struct {
	Opt   BodyBuggOpt
	Viper *viper.Viper
}

func NewBodyBuggDesc() BodyBuggDesc {
	return BodyBuggDesc{
		Opt:   NewBodyBuggOpt(),
		Viper: nil,
	}
}

func NewBodyBuggOpt() BodyBuggOpt {
	return BodyBuggOpt{
		Device: DeviceOpt{
			Baud:            DefaultBaud,
			ReadTimeout:     DefaultReadTimeout,
			ResponseTimeout: DefaultResponseTimeout,
			Selector: device.Selector{
				Product: DefaultProduct,
			},
			Address: device.DefaultAddress(),
		},
		Output: OutputOpt{
			Dir: DefaultOutputDir,
		},
		SkipReset: false,
		Debug:     false,
	}
}

func setDefaults(vipCfg *viper.Viper) {
	opt := NewBodyBuggOpt()
	vipCfg.SetDefault("device.port", opt.Device.Port)
	vipCfg.SetDefault("device.baud", opt.Device.Baud)
	vipCfg.SetDefault("device.read_timeout", opt.Device.ReadTimeout)
	vipCfg.SetDefault("device.response_timeout", opt.Device.ResponseTimeout)
	vipCfg.SetDefault("device.end_marker", opt.Device.EndMarker)
	vipCfg.SetDefault("device.selector.vid", opt.Device.Selector.VID)
	vipCfg.SetDefault("device.selector.pid", opt.Device.Selector.PID)
	vipCfg.SetDefault("device.selector.product", opt.Device.Selector.Product)
	vipCfg.SetDefault("device.address.source", opt.Device.Address.Source)
	vipCfg.SetDefault("device.address.destination", opt.Device.Address.Destination)
	vipCfg.SetDefault("output.dir", opt.Output.Dir)
	vipCfg.SetDefault("skip_reset", opt.SkipReset)
	vipCfg.SetDefault("debug", opt.Debug)
}

// flagBindings maps config keys to the command line flags that override them.
var flagBindings = map[string]string{
	"device.port":         "port",
	"device.baud":         "baud",
	"device.selector.vid": "vid",
	"device.selector.pid": "pid",
	"output.dir":          "output-dir",
	"skip_reset":          "no-reset",
	"debug":               "debug",
}

func (o *BodyBuggDesc) Parse(cmd *cobra.Command) error {
	vipCfg := viper.New()
	setDefaults(vipCfg)

	if configFileCmd, err := cmd.Flags().GetString("config"); err == nil && configFileCmd != "" {
		vipCfg.SetConfigFile(configFileCmd)
	} else {
		configFileEnv := os.Getenv(DefaultConfigEnv)
		if configFileEnv != "" {
			vipCfg.SetConfigFile(configFileEnv)
		} else {
			vipCfg.SetConfigName(DefaultConfigName)
			vipCfg.SetConfigType("yaml")
			vipCfg.AddConfigPath(DefaultConfigSearchPath0)
			vipCfg.AddConfigPath(DefaultConfigSearchPath1)
			vipCfg.AddConfigPath(DefaultConfigSearchPath2)
		}
	}

	vipCfg.SetEnvPrefix(DefaultAppName)
	vipCfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vipCfg.AutomaticEnv()

	for key, name := range flagBindings {
		if f := cmd.Flags().Lookup(name); f != nil {
			_ = vipCfg.BindPFlag(key, f)
		}
	}

	// If a config file is found, read it in.
	if err := vipCfg.ReadInConfig(); err == nil {
		log.Debugln("using config file:", vipCfg.ConfigFileUsed())
	} else {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
		log.Debugln("no config file found, using defaults")
	}

	if err := vipCfg.Unmarshal(&o.Opt); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}

	o.Viper = vipCfg
	return nil
}

func (o *BodyBuggDesc) PostParse() {
	if o.Opt.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
}

// InitCfg writes a configuration template.
func InitCfg(cmd *cobra.Command, _ []string) error {
	printFlag, _ := cmd.Flags().GetBool("print")
	outputPath, _ := cmd.Flags().GetString("output")
	overwriteFlag, _ := cmd.Flags().GetBool("yes")

	desc := NewBodyBuggDesc()
	err := desc.Parse(cmd)
	if err != nil {
		log.Errorln(err)
		return err
	}

	if printFlag {
		configBuffer, err := yaml.Marshal(desc.Opt)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(configBuffer))
		return nil
	}
	return utils.DumpOption(desc.Opt, outputPath, overwriteFlag)
}
