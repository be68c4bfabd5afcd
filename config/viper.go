package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/ceyewan/lookupd/clog"
	"github.com/ceyewan/lookupd/xerrors"
)

// watchBuffer 每个订阅通道的缓冲，写满后丢弃新事件并告警
const watchBuffer = 8

type loader struct {
	v      *viper.Viper
	cfg    *Config
	logger clog.Logger

	mu   sync.Mutex
	subs map[string]*keySubs
}

// keySubs 某个 key 的订阅者与最近一次通知时的值
type keySubs struct {
	last  any
	chans []chan Event
}

func newLoader(cfg *Config, logger clog.Logger) *loader {
	return &loader{v: viper.New(), cfg: cfg, logger: logger, subs: make(map[string]*keySubs)}
}

// Load 按 默认值 < 基础文件 < 环境文件 < .env < 环境变量 的顺序合并，
// 找到配置文件时开始监听它的变化
func (l *loader) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.configureSources()

	found, err := l.readBase()
	if err != nil {
		return err
	}
	if err := l.mergeEnvironmentFile(); err != nil {
		return err
	}
	if err := l.Validate(); err != nil {
		return err
	}

	if found {
		l.v.OnConfigChange(l.onFileChange)
		l.v.WatchConfig()
		l.logger.Info("configuration loaded", clog.String("file", l.v.ConfigFileUsed()))
	}
	return nil
}

func (l *loader) configureSources() {
	l.v.SetConfigName(l.cfg.Name)
	l.v.SetConfigType(l.cfg.FileType)
	for _, p := range l.cfg.Paths {
		l.v.AddConfigPath(p)
	}
	for k, val := range l.cfg.Defaults {
		l.v.SetDefault(k, val)
	}

	if n := l.loadDotEnv(); n > 0 {
		l.logger.Debug("dotenv loaded", clog.Int("files", n))
	}
	l.v.SetEnvPrefix(l.cfg.EnvPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()
}

// loadDotEnv 读取工作目录与各搜索路径下的 .env，已存在的环境变量不被覆盖
func (l *loader) loadDotEnv() int {
	candidates := []string{".env"}
	for _, p := range l.cfg.Paths {
		candidates = append(candidates, filepath.Join(p, ".env"))
	}
	n := 0
	for _, c := range candidates {
		if godotenv.Load(c) == nil {
			n++
		}
	}
	return n
}

func (l *loader) readBase() (bool, error) {
	err := l.v.ReadInConfig()
	if err == nil {
		return true, nil
	}
	var notFound viper.ConfigFileNotFoundError
	if xerrors.As(err, &notFound) {
		l.logger.Info("no configuration file, using defaults and environment", clog.String("name", l.cfg.Name))
		return false, nil
	}
	return false, xerrors.Wrapf(err, "read config %s", l.cfg.Name)
}

// mergeEnvironmentFile 合并 <name>.<env>.<type>，env 取自 <PREFIX>_ENV
func (l *loader) mergeEnvironmentFile() error {
	env := os.Getenv(l.cfg.EnvPrefix + "_ENV")
	if env == "" {
		return nil
	}
	name := fmt.Sprintf("%s.%s", l.cfg.Name, env)
	l.v.SetConfigName(name)
	defer l.v.SetConfigName(l.cfg.Name)

	err := l.v.MergeInConfig()
	var notFound viper.ConfigFileNotFoundError
	switch {
	case err == nil:
		l.logger.Info("environment configuration merged", clog.String("env", env))
	case xerrors.As(err, &notFound):
		l.logger.Debug("no environment configuration", clog.String("env", env))
	default:
		return xerrors.Wrapf(err, "merge config %s", name)
	}
	return nil
}

func (l *loader) Get(key string) any                    { return l.v.Get(key) }
func (l *loader) Unmarshal(v any) error                 { return l.v.Unmarshal(v) }
func (l *loader) UnmarshalKey(key string, v any) error { return l.v.UnmarshalKey(key, v) }
func (l *loader) ConfigFileUsed() string                { return l.v.ConfigFileUsed() }

// Validate 既无文件也无默认值与环境变量时，除非 AllowEmpty，否则报错
func (l *loader) Validate() error {
	if !l.cfg.AllowEmpty && len(l.v.AllSettings()) == 0 {
		return xerrors.Wrap(ErrValidationFailed, "configuration is empty")
	}
	return nil
}

// Watch 订阅 key 的变化；值未变的文件写入不产生事件
func (l *loader) Watch(ctx context.Context, key string) (<-chan Event, error) {
	if key == "" {
		return nil, xerrors.Wrap(ErrValidationFailed, "watch key is empty")
	}
	ch := make(chan Event, watchBuffer)

	l.mu.Lock()
	s, ok := l.subs[key]
	if !ok {
		s = &keySubs{last: l.v.Get(key)}
		l.subs[key] = s
	}
	s.chans = append(s.chans, ch)
	l.mu.Unlock()

	context.AfterFunc(ctx, func() { l.unsubscribe(key, ch) })
	return ch, nil
}

func (l *loader) unsubscribe(key string, ch chan Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.subs[key]
	if !ok {
		return
	}
	for i, c := range s.chans {
		if c == ch {
			s.chans = append(s.chans[:i], s.chans[i+1:]...)
			close(ch)
			break
		}
	}
	if len(s.chans) == 0 {
		delete(l.subs, key)
	}
}

func (l *loader) onFileChange(e fsnotify.Event) {
	if err := l.mergeEnvironmentFile(); err != nil {
		l.logger.Error("reload environment configuration", clog.Error(err))
	}

	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, s := range l.subs {
		cur := l.v.Get(key)
		if reflect.DeepEqual(s.last, cur) {
			continue
		}
		ev := Event{Key: key, Value: cur, OldValue: s.last, Source: "file", Timestamp: now}
		s.last = cur
		for _, ch := range s.chans {
			select {
			case ch <- ev:
			default:
				l.logger.Warn("config watcher lagging, event dropped",
					clog.String("key", key), clog.String("file", e.Name))
			}
		}
	}
}
