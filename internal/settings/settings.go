// Package settings holds clinic-wide booking settings behind a Store so the
// scheduling core never deals with file paths.
package settings

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/viper"
)

type Settings struct {
	ClinicName         string `mapstructure:"clinic_name" json:"clinic_name"`
	BookingHorizonDays int    `mapstructure:"booking_horizon_days" json:"booking_horizon_days"`
	MinAppointmentMins int    `mapstructure:"min_appointment_mins" json:"min_appointment_mins"`
	MaxAppointmentMins int    `mapstructure:"max_appointment_mins" json:"max_appointment_mins"`
}

func Defaults() Settings {
	return Settings{
		ClinicName:         "Clinic",
		BookingHorizonDays: 90,
		MinAppointmentMins: 5,
		MaxAppointmentMins: 480,
	}
}

func (s Settings) Validate() error {
	if s.BookingHorizonDays < 0 {
		return fmt.Errorf("booking_horizon_days must not be negative")
	}
	if s.MinAppointmentMins <= 0 {
		return fmt.Errorf("min_appointment_mins must be positive")
	}
	if s.MaxAppointmentMins < s.MinAppointmentMins {
		return fmt.Errorf("max_appointment_mins must be at least min_appointment_mins")
	}
	return nil
}

type Store interface {
	Load(ctx context.Context) (Settings, error)
	Save(ctx context.Context, s Settings) error
}

// FileStore persists settings to a YAML (or any viper-supported) file.
// A missing file yields Defaults.
type FileStore struct {
	mu   sync.Mutex
	path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) viper() *viper.Viper {
	v := viper.New()
	v.SetConfigFile(f.path)
	d := Defaults()
	v.SetDefault("clinic_name", d.ClinicName)
	v.SetDefault("booking_horizon_days", d.BookingHorizonDays)
	v.SetDefault("min_appointment_mins", d.MinAppointmentMins)
	v.SetDefault("max_appointment_mins", d.MaxAppointmentMins)
	return v
}

func (f *FileStore) Load(_ context.Context) (Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	v := f.viper()
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return Settings{}, fmt.Errorf("read settings %s: %w", f.path, err)
		}
	}
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}
	return s, nil
}

func (f *FileStore) Save(_ context.Context, s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	v := f.viper()
	v.Set("clinic_name", s.ClinicName)
	v.Set("booking_horizon_days", s.BookingHorizonDays)
	v.Set("min_appointment_mins", s.MinAppointmentMins)
	v.Set("max_appointment_mins", s.MaxAppointmentMins)
	if err := v.WriteConfigAs(f.path); err != nil {
		return fmt.Errorf("write settings %s: %w", f.path, err)
	}
	return nil
}

// MemoryStore keeps settings in process.
type MemoryStore struct {
	mu sync.RWMutex
	s  Settings
}

func NewMemoryStore(s Settings) *MemoryStore {
	return &MemoryStore{s: s}
}

func (m *MemoryStore) Load(context.Context) (Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.s, nil
}

func (m *MemoryStore) Save(_ context.Context, s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = s
	return nil
}
