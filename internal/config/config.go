// Package config merges silencecut.yaml, SILENCECUT_* environment variables
// and command-line flags into one Effective configuration.
//
// Precedence is fixed: flag > env > file > default.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/forPelevin/silencecut/internal/types"
)

const (
	// DefaultFile is looked up in the working directory when no --config is given.
	DefaultFile = "silencecut.yaml"

	DefaultThresholdDB   = -30.0
	DefaultMinSilence    = 500 * time.Millisecond
	DefaultWorkers       = 4
	DefaultBatchSize     = 100
	DefaultMaxAttempts   = 3
	DefaultRetryBase     = time.Second
	DefaultDisabledColor = "Violet"
	DefaultBridgeURL     = "http://127.0.0.1:8765"
	DefaultAuditDB       = ".silencecut/audit.db"
)

const (
	ErrCodeNotFound = "config_not_found"
	ErrCodeInvalid  = "config_invalid"
)

// File is the YAML file layout. Pointers distinguish "unset" from zero.
type File struct {
	Mode            string   `yaml:"mode"`
	ThresholdDB     *float64 `yaml:"threshold_db"`
	MinSilenceSec   *float64 `yaml:"min_silence_sec"`
	PaddingLeftSec  *float64 `yaml:"padding_left_sec"`
	PaddingRightSec *float64 `yaml:"padding_right_sec"`
	Workers         int      `yaml:"workers"`
	BatchSize       int      `yaml:"batch_size"`
	MaxAttempts     int      `yaml:"max_attempts"`
	RetryBase       string   `yaml:"retry_base"`
	DisabledColor   string   `yaml:"disabled_color"`
	BridgeURL       string   `yaml:"bridge_url"`
	ProgressURL     string   `yaml:"progress_url"`
	AuditDB         string   `yaml:"audit_db"`
	FFmpeg          string   `yaml:"ffmpeg"`
	FFprobe         string   `yaml:"ffprobe"`
	AllowedHosts    []string `yaml:"allowed_hosts"`
}

// Flags carries command-line values; only non-nil fields override.
type Flags struct {
	Mode        *string
	ThresholdDB *float64
	MinSilence  *time.Duration
	PadLeft     *time.Duration
	PadRight    *time.Duration
	Workers     *int
	BridgeURL   *string
	ProgressURL *string
	AuditDB     *string
}

type Effective struct {
	Mode          types.Mode
	ThresholdDB   float64
	MinSilence    time.Duration
	PadLeft       time.Duration
	PadRight      time.Duration
	Workers       int
	BatchSize     int
	MaxAttempts   int
	RetryBase     time.Duration
	DisabledColor string
	BridgeURL     string
	BridgeToken   string
	ProgressURL   string
	AuditDB       string
	FFmpeg        string
	FFprobe       string
	AllowedHosts  []string
}

type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %q: %v", e.Code, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %q", e.Code, e.Path)
}

func (e *Error) Unwrap() error { return e.Err }

// Code extracts the error code, or "" when err is not a config error.
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// ReadFile parses a YAML config file. A missing file yields exists=false.
func ReadFile(path string) (File, bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return File{}, false, nil
		}
		return File{}, false, err
	}
	var f File
	if err := yaml.Unmarshal(b, &f); err != nil {
		return File{}, true, err
	}
	return f, true, nil
}

// Load reads path (required when explicit, optional for DefaultFile) and
// merges it with env and flags. getenv is usually os.Getenv.
func Load(path string, explicit bool, getenv func(string) string, fl Flags) (Effective, error) {
	if path == "" {
		path = DefaultFile
	}
	f, exists, err := ReadFile(path)
	if err != nil {
		return Effective{}, &Error{Code: ErrCodeInvalid, Path: path, Err: err}
	}
	if explicit && !exists {
		return Effective{}, &Error{Code: ErrCodeNotFound, Path: path, Err: os.ErrNotExist}
	}
	eff, err := Merge(f, getenv, fl)
	if err != nil {
		return Effective{}, &Error{Code: ErrCodeInvalid, Path: path, Err: err}
	}
	return eff, nil
}

// Merge applies precedence flag > env > file > default.
func Merge(f File, getenv func(string) string, fl Flags) (Effective, error) {
	if getenv == nil {
		getenv = func(string) string { return "" }
	}
	env := func(k string) string { return strings.TrimSpace(getenv(k)) }

	e := Effective{
		ThresholdDB:   DefaultThresholdDB,
		MinSilence:    DefaultMinSilence,
		Workers:       DefaultWorkers,
		BatchSize:     DefaultBatchSize,
		MaxAttempts:   DefaultMaxAttempts,
		RetryBase:     DefaultRetryBase,
		DisabledColor: DefaultDisabledColor,
		BridgeURL:     DefaultBridgeURL,
		AuditDB:       DefaultAuditDB,
		FFmpeg:        "ffmpeg",
		FFprobe:       "ffprobe",
	}

	mode := pick(f.Mode, env("SILENCECUT_MODE"), fl.Mode)
	m, err := types.ParseMode(mode)
	if err != nil {
		return Effective{}, err
	}
	e.Mode = m

	if f.ThresholdDB != nil {
		e.ThresholdDB = *f.ThresholdDB
	}
	if v := env("SILENCECUT_THRESHOLD_DB"); v != "" {
		x, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Effective{}, fmt.Errorf("SILENCECUT_THRESHOLD_DB: %w", err)
		}
		e.ThresholdDB = x
	}
	if fl.ThresholdDB != nil {
		e.ThresholdDB = *fl.ThresholdDB
	}

	if f.MinSilenceSec != nil {
		e.MinSilence = seconds(*f.MinSilenceSec)
	}
	if fl.MinSilence != nil {
		e.MinSilence = *fl.MinSilence
	}
	if f.PaddingLeftSec != nil {
		e.PadLeft = seconds(*f.PaddingLeftSec)
	}
	if fl.PadLeft != nil {
		e.PadLeft = *fl.PadLeft
	}
	if f.PaddingRightSec != nil {
		e.PadRight = seconds(*f.PaddingRightSec)
	}
	if fl.PadRight != nil {
		e.PadRight = *fl.PadRight
	}

	if f.Workers != 0 {
		e.Workers = f.Workers
	}
	if v := env("SILENCECUT_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Effective{}, fmt.Errorf("SILENCECUT_WORKERS: %w", err)
		}
		e.Workers = n
	}
	if fl.Workers != nil {
		e.Workers = *fl.Workers
	}
	e.Workers = min(max(e.Workers, 1), 32)

	if f.BatchSize > 0 {
		e.BatchSize = f.BatchSize
	}
	if f.MaxAttempts > 0 {
		e.MaxAttempts = f.MaxAttempts
	}
	if s := strings.TrimSpace(f.RetryBase); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return Effective{}, fmt.Errorf("retry_base: %w", err)
		}
		e.RetryBase = d
	}
	if s := strings.TrimSpace(f.DisabledColor); s != "" {
		e.DisabledColor = s
	}

	e.BridgeURL = pick(orDefault(f.BridgeURL, e.BridgeURL), env("SILENCECUT_BRIDGE_URL"), fl.BridgeURL)
	e.BridgeToken = env("SILENCECUT_BRIDGE_TOKEN")
	e.ProgressURL = pick(f.ProgressURL, env("SILENCECUT_PROGRESS_URL"), fl.ProgressURL)
	e.AuditDB = pick(orDefault(f.AuditDB, e.AuditDB), env("SILENCECUT_AUDIT_DB"), fl.AuditDB)
	e.FFmpeg = pick(orDefault(f.FFmpeg, e.FFmpeg), env("SILENCECUT_FFMPEG"), nil)
	e.FFprobe = pick(orDefault(f.FFprobe, e.FFprobe), env("SILENCECUT_FFPROBE"), nil)

	e.AllowedHosts = f.AllowedHosts
	if v := env("SILENCECUT_ALLOWED_HOSTS"); v != "" {
		e.AllowedHosts = strings.Split(v, ",")
	}

	if err := e.Validate(); err != nil {
		return Effective{}, err
	}
	return e, nil
}

func (e Effective) Validate() error {
	if e.MinSilence < 0 || e.PadLeft < 0 || e.PadRight < 0 {
		return fmt.Errorf("durations must be >= 0")
	}
	if e.ThresholdDB > 0 {
		return fmt.Errorf("threshold_db must be <= 0, got %v", e.ThresholdDB)
	}
	if e.BatchSize < 1 || e.MaxAttempts < 1 {
		return fmt.Errorf("batch_size and max_attempts must be >= 1")
	}
	if e.RetryBase < 0 {
		return fmt.Errorf("retry_base must be >= 0")
	}
	return nil
}

// pick returns the flag value if set, else env, else file.
func pick(file, env string, flag *string) string {
	if flag != nil {
		return strings.TrimSpace(*flag)
	}
	if env != "" {
		return env
	}
	return strings.TrimSpace(file)
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
