// Package config loads the service's INI configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"gopkg.in/ini.v1"
)

const (
	// DefaultFile is read when no path is given.
	DefaultFile = "config.ini"

	// ipEchoEndpoint answers the one-shot public IP discovery when
	// PublicIP is set to "auto".
	ipEchoEndpoint = "https://checkip.amazonaws.com/"
)

// requiredFields maps sections to options that must be present and
// non-empty.
var requiredFields = map[string][]string{
	"Server":   {"PublicIP"},
	"VoIP":     {"Address"},
	"Discord":  {"BotToken", "HomeGuildID", "HomeVoiceChannelID", "HomeTextChannelID"},
	"Messages": {"Welcome", "IncomingCall"},
	"Timezone": {"UtcOffset"},
}

// Config carries every user-configurable setting.
type Config struct {
	PublicIP string

	VoIPAddress   string
	VoIPAllowList []string

	DiscordBotToken       string
	DiscordGuildID        string
	DiscordVoiceChannelID string
	DiscordTextChannelID  string

	WelcomeMessage      string
	IncomingCallMessage string

	// UtcOffset is the user's signed offset from UTC in hours; DND
	// windows are evaluated in this zone.
	UtcOffset int

	// HourlyCallLimit of 0 means unlimited.
	HourlyCallLimit int
	// DoNotDisturb windows as [startHour, endHour) pairs.
	DoNotDisturb [][2]int
}

// Load reads and validates the configuration file. PublicIP "auto"
// triggers one HTTPS request to an IP echo service.
func Load(filename string) (*Config, error) {
	if filename == "" {
		filename = DefaultFile
	}

	file, err := ini.Load(filename)
	if err != nil {
		return nil, fmt.Errorf("loading config %q: %w", filename, err)
	}

	for section, options := range requiredFields {
		for _, option := range options {
			if file.Section(section).Key(option).String() == "" {
				return nil, fmt.Errorf("mandatory parameter %q missing from [%s] section in %s", option, section, filename)
			}
		}
	}

	cfg := &Config{}
	cfg.PublicIP = file.Section("Server").Key("PublicIP").String()
	if cfg.PublicIP == "auto" {
		ip, err := fetchPublicIP()
		if err != nil {
			return nil, err
		}
		cfg.PublicIP = ip
	}

	cfg.VoIPAddress = file.Section("VoIP").Key("Address").String()
	if raw := file.Section("VoIP").Key("AllowList").String(); raw != "" {
		for _, entry := range strings.Split(raw, ",") {
			if entry = strings.TrimSpace(entry); entry != "" {
				cfg.VoIPAllowList = append(cfg.VoIPAllowList, entry)
			}
		}
	}

	discord := file.Section("Discord")
	cfg.DiscordBotToken = discord.Key("BotToken").String()
	cfg.DiscordGuildID = discord.Key("HomeGuildID").String()
	cfg.DiscordVoiceChannelID = discord.Key("HomeVoiceChannelID").String()
	cfg.DiscordTextChannelID = discord.Key("HomeTextChannelID").String()

	cfg.WelcomeMessage = file.Section("Messages").Key("Welcome").String()
	cfg.IncomingCallMessage = file.Section("Messages").Key("IncomingCall").String()

	cfg.UtcOffset, err = file.Section("Timezone").Key("UtcOffset").Int()
	if err != nil {
		return nil, fmt.Errorf("bad Timezone.UtcOffset: %w", err)
	}

	prefs := file.Section("CallPreferences")
	cfg.HourlyCallLimit = prefs.Key("HourlyCallLimit").MustInt(0)
	if raw := prefs.Key("DoNotDisturb").String(); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.DoNotDisturb); err != nil {
			return nil, fmt.Errorf("bad CallPreferences.DoNotDisturb: %w", err)
		}
	}

	return cfg, nil
}

// Timezone converts the configured offset into a fixed location.
func (c *Config) Timezone() *time.Location {
	return time.FixedZone(fmt.Sprintf("UTC%+d", c.UtcOffset), c.UtcOffset*3600)
}

func fetchPublicIP() (string, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(ipEchoEndpoint)
	if err != nil {
		return "", fmt.Errorf("discovering public ip: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", fmt.Errorf("discovering public ip: %w", err)
	}
	ip := strings.TrimSpace(string(body))
	if ip == "" {
		return "", fmt.Errorf("ip echo service returned an empty body")
	}
	return ip, nil
}
