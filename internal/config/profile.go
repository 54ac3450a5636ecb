package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// TopicProfile sets the delivery behaviour of one chat topic.
type TopicProfile struct {
	Name      string        `yaml:"name"`
	Depth     int           `yaml:"depth"`
	Lease     time.Duration `yaml:"lease"`
	Durable   bool          `yaml:"durable"`
	Exclusive bool          `yaml:"exclusive"`
}

// Profile names the two chat topics and their delivery settings.
type Profile struct {
	Users    TopicProfile `yaml:"users"`
	Messages TopicProfile `yaml:"messages"`
}

func DefaultProfile() Profile {
	return Profile{
		Users: TopicProfile{
			Name:      "chat.user",
			Depth:     1,
			Lease:     3 * time.Second,
			Durable:   true,
			Exclusive: true,
		},
		Messages: TopicProfile{
			Name:  "chat.message",
			Lease: 3 * time.Second,
		},
	}
}

// LoadProfile overlays the YAML file at path on DefaultProfile. An empty path
// yields the defaults.
func LoadProfile(path string) (Profile, error) {
	p := DefaultProfile()
	if path == "" {
		return p, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}
	if err := yaml.Unmarshal(b, &p); err != nil {
		return Profile{}, fmt.Errorf("parse profile %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

func (p Profile) Validate() error {
	for label, t := range map[string]TopicProfile{"users": p.Users, "messages": p.Messages} {
		if t.Name == "" {
			return fmt.Errorf("%w: %s topic name is empty", ErrInvalidConfig, label)
		}
		if t.Depth < 0 || t.Lease < 0 {
			return fmt.Errorf("%w: %s topic depth and lease must not be negative", ErrInvalidConfig, label)
		}
	}
	if p.Users.Name == p.Messages.Name {
		return fmt.Errorf("%w: users and messages share topic %q", ErrInvalidConfig, p.Users.Name)
	}
	return nil
}
