package mixer

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/soundmixer/soundmixer/pkg/mixer/util"
)

// SurfaceConfig describes the hardware control surface, if one is attached
type SurfaceConfig struct {
	SerialPort string
	BaudRate   int

	SliderMapping *targetMap
	SwitchMapping *targetMap

	InvertSliders  bool
	InvertSwitches bool
}

// Enabled reports whether a serial port is configured
func (sc SurfaceConfig) Enabled() bool {
	return sc.SerialPort != "" && sc.BaudRate > 0
}

// CanonicalConfig provides application-wide access to configuration fields,
// as well as loading/file watching logic for the mixer's configuration file
type CanonicalConfig struct {
	Backend        string
	VolumePolicy   VolumePolicy
	PollInterval   time.Duration
	AdapterTimeout time.Duration
	Notifications  bool
	ServerPort     int

	surface SurfaceConfig

	logger             *zap.SugaredLogger
	notifier           Notifier
	stopWatcherChannel chan bool

	lock            sync.RWMutex
	reloadConsumers []chan bool

	configFilepath string
	explicitPath   bool

	userConfig     *viper.Viper
	internalConfig *viper.Viper
}

const (
	defaultConfigFilepath = "config.yaml"

	internalConfigName = "preferences"

	configType = "yaml"

	configKeyBackend        = "backend"
	configKeyVolumePolicy   = "volume_policy"
	configKeyPollInterval   = "poll_interval"
	configKeyAdapterTimeout = "adapter_timeout"
	configKeyNotifications  = "notifications"
	configKeyServerPort     = "server.port"

	configKeySerialPort     = "surface.serial_port"
	configKeyBaudRate       = "surface.baud_rate"
	configKeySliderMapping  = "surface.slider_mapping"
	configKeySwitchMapping  = "surface.switch_mapping"
	configKeyInvertSliders  = "surface.invert_sliders"
	configKeyInvertSwitches = "surface.invert_switches"

	defaultPollInterval   = 2 * time.Second
	defaultAdapterTimeout = 3 * time.Second
	defaultBaudRate       = 115200

	// refreshes faster than this would keep the audio system busy for nothing
	minPollInterval = 250 * time.Millisecond
)

// has to be defined as a non-constant because we're using path.Join
var internalConfigPath = path.Join(".", logDirectory)

// NewConfig creates a config instance for the mixer and sets up viper instances for its
// config files. An empty configPath means config.yaml in the working directory
func NewConfig(logger *zap.SugaredLogger, notifier Notifier, configPath string) (*CanonicalConfig, error) {
	logger = logger.Named("config")

	cc := &CanonicalConfig{
		logger:             logger,
		notifier:           notifier,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
		configFilepath:     defaultConfigFilepath,
	}

	if configPath != "" {
		cc.configFilepath = configPath
		cc.explicitPath = true
	}

	// distinguish between the user-provided config (config.yaml) and the internal config (logs/preferences.yaml)
	userConfig := viper.New()
	userConfig.SetConfigFile(cc.configFilepath)
	userConfig.SetConfigType(configType)

	userConfig.SetDefault(configKeyBackend, backendAuto)
	userConfig.SetDefault(configKeyVolumePolicy, VolumePolicyStrict.String())
	userConfig.SetDefault(configKeyPollInterval, defaultPollInterval)
	userConfig.SetDefault(configKeyAdapterTimeout, defaultAdapterTimeout)
	userConfig.SetDefault(configKeyNotifications, true)
	userConfig.SetDefault(configKeyServerPort, 0)
	userConfig.SetDefault(configKeySerialPort, "")
	userConfig.SetDefault(configKeyBaudRate, defaultBaudRate)
	userConfig.SetDefault(configKeySliderMapping, map[string][]string{})
	userConfig.SetDefault(configKeySwitchMapping, map[string][]string{})
	userConfig.SetDefault(configKeyInvertSliders, false)
	userConfig.SetDefault(configKeyInvertSwitches, false)

	internalConfig := viper.New()
	internalConfig.SetConfigName(internalConfigName)
	internalConfig.SetConfigType(configType)
	internalConfig.AddConfigPath(internalConfigPath)

	cc.userConfig = userConfig
	cc.internalConfig = internalConfig

	if err := cc.populateFromVipers(); err != nil {
		return nil, fmt.Errorf("populate config defaults: %w", err)
	}

	logger.Debug("Created config instance")

	return cc, nil
}

// BindFlags lets command line flags override their config keys
func (cc *CanonicalConfig) BindFlags(flags *pflag.FlagSet) error {
	for key, flag := range map[string]string{
		configKeyBackend:      "backend",
		configKeyVolumePolicy: "volume-policy",
		configKeyServerPort:   "port",
	} {
		f := flags.Lookup(flag)
		if f == nil {
			continue
		}

		if err := cc.userConfig.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}

	return nil
}

// Load reads the config files from disk and tries to parse them. A missing
// config.yaml is fine (defaults apply) unless its path was given explicitly
func (cc *CanonicalConfig) Load() error {
	cc.logger.Debugw("Loading config", "path", cc.configFilepath)

	if util.FileExists(cc.configFilepath) {
		if err := cc.userConfig.ReadInConfig(); err != nil {
			cc.logger.Warnw("Viper failed to read user config", "error", err)
			if strings.Contains(err.Error(), "yaml:") {
				cc.notifier.Notify("Invalid configuration!",
					fmt.Sprintf("Please make sure %s is in a valid YAML format.", filepath.Base(cc.configFilepath)))
			} else {
				cc.notifier.Notify("Error loading configuration!", "Please check the logs for more details.")
			}
			return fmt.Errorf("read user config: %w", err)
		}
	} else if cc.explicitPath {
		cc.logger.Warnw("Config file not found", "path", cc.configFilepath)
		return fmt.Errorf("%w: config file doesn't exist: %s", ErrValidation, cc.configFilepath)
	} else {
		cc.logger.Infow("Config file not found, using defaults", "path", cc.configFilepath)
	}

	if err := cc.internalConfig.ReadInConfig(); err != nil {
		cc.logger.Debugw("Viper failed to read internal config", "error", err, "reminder", "this is fine")
	}

	if err := cc.populateFromVipers(); err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		return fmt.Errorf("populate config fields: %w", err)
	}

	surface := cc.Surface()

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"backend", cc.Backend,
		"volumePolicy", cc.VolumePolicy,
		"pollInterval", cc.PollInterval,
		"adapterTimeout", cc.AdapterTimeout,
		"notifications", cc.Notifications,
		"serverPort", cc.ServerPort,
		"serialPort", surface.SerialPort,
		"baudRate", surface.BaudRate,
		"sliderMapping", surface.SliderMapping,
		"switchMapping", surface.SwitchMapping,
		"invertSliders", surface.InvertSliders,
		"invertSwitches", surface.InvertSwitches,
	)

	return nil
}

// Path returns the user config file's location
func (cc *CanonicalConfig) Path() string {
	return cc.configFilepath
}

// Surface returns the current control surface settings
func (cc *CanonicalConfig) Surface() SurfaceConfig {
	cc.lock.RLock()
	defer cc.lock.RUnlock()

	return cc.surface
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *CanonicalConfig) SubscribeToChanges() chan bool {
	c := make(chan bool, 1)

	cc.lock.Lock()
	cc.reloadConsumers = append(cc.reloadConsumers, c)
	cc.lock.Unlock()

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *CanonicalConfig) WatchConfigFileChanges() {
	cc.logger.Debugw("Starting to watch user config file for changes", "path", cc.configFilepath)

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	// establish watch using viper as opposed to doing it ourselves, though our internal cooldown is still required
	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {

		// when we get a write event...
		if event.Op&fsnotify.Write == fsnotify.Write {

			now := time.Now()

			// ... check if it's not a duplicate (many editors will write to a file twice)
			if lastAttemptedReload.Add(minTimeBetweenReloadAttempts).Before(now) {

				// and attempt reload if appropriate
				cc.logger.Debugw("Config file modified, attempting reload", "event", event)

				// wait a bit to let the editor actually flush the new file contents to disk
				<-time.After(delayBetweenEventAndReload)

				if err := cc.Load(); err != nil {
					cc.logger.Warnw("Failed to reload config file", "error", err)
				} else {
					cc.logger.Info("Reloaded config successfully")
					cc.notifier.Notify("Configuration reloaded!", "Your changes have been applied.")

					cc.onConfigReloaded()
				}

				// don't forget to update the time
				lastAttemptedReload = now
			}
		}
	})

	// wait till they stop us
	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(func(fsnotify.Event) {})
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *CanonicalConfig) StopWatchingConfigFile() {
	select {
	case cc.stopWatcherChannel <- true:
	default:
	}

	cc.closeReloadChannels()
}

// closeReloadChannels closes all reload consumer channels to signal goroutines to exit
func (cc *CanonicalConfig) closeReloadChannels() {
	cc.lock.Lock()
	defer cc.lock.Unlock()

	for _, ch := range cc.reloadConsumers {
		close(ch)
	}
	cc.reloadConsumers = nil
	cc.logger.Debug("Closed all config reload channels")
}

func (cc *CanonicalConfig) populateFromVipers() error {
	policy, err := ParseVolumePolicy(cc.userConfig.GetString(configKeyVolumePolicy))
	if err != nil {
		return err
	}

	backend := strings.ToLower(cc.userConfig.GetString(configKeyBackend))
	if backend != backendAuto && backend != backendMemory {
		return fmt.Errorf("%w: unknown backend %q", ErrValidation, backend)
	}

	pollInterval := cc.userConfig.GetDuration(configKeyPollInterval)
	if pollInterval < minPollInterval {
		cc.logger.Warnw("Poll interval too short, using minimum", "configured", pollInterval, "minimum", minPollInterval)
		pollInterval = minPollInterval
	}

	adapterTimeout := cc.userConfig.GetDuration(configKeyAdapterTimeout)
	if adapterTimeout <= 0 {
		adapterTimeout = defaultAdapterTimeout
	}

	// merge the mappings from the user and internal configs
	surface := SurfaceConfig{
		SerialPort: cc.userConfig.GetString(configKeySerialPort),
		BaudRate:   cc.userConfig.GetInt(configKeyBaudRate),
		SliderMapping: targetMapFromConfigs(
			cc.userConfig.GetStringMapStringSlice(configKeySliderMapping),
			cc.internalConfig.GetStringMapStringSlice(configKeySliderMapping),
		),
		SwitchMapping: targetMapFromConfigs(
			cc.userConfig.GetStringMapStringSlice(configKeySwitchMapping),
			cc.internalConfig.GetStringMapStringSlice(configKeySwitchMapping),
		),
		InvertSliders:  cc.userConfig.GetBool(configKeyInvertSliders),
		InvertSwitches: cc.userConfig.GetBool(configKeyInvertSwitches),
	}

	cc.lock.Lock()
	cc.Backend = backend
	cc.VolumePolicy = policy
	cc.PollInterval = pollInterval
	cc.AdapterTimeout = adapterTimeout
	cc.Notifications = cc.userConfig.GetBool(configKeyNotifications)
	cc.ServerPort = cc.userConfig.GetInt(configKeyServerPort)
	cc.surface = surface
	cc.lock.Unlock()

	cc.logger.Debug("Populated config fields from vipers")

	return nil
}

func (cc *CanonicalConfig) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	cc.lock.RLock()
	defer cc.lock.RUnlock()

	for _, consumer := range cc.reloadConsumers {
		select {
		case consumer <- true:
		default:
			// a reload is already pending for this consumer
		}
	}
}
