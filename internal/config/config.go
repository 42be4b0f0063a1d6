package config

import (
	"bufio"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"modbus-bridge/internal/device"
)

// Reserved section name for the outbound channel settings. Every other
// section describes one device.
const cloudSection = "AWS"

const (
	defaultDevicePort = 502
	defaultCloudPort  = 8883
)

// Cloud holds the secure outbound channel endpoint and credential material
// paths. Certificate paths are resolved against certs_folder and verified to
// exist at load time.
type Cloud struct {
	ThingName   string
	Endpoint    string
	Port        int
	RootCA      string
	PrivateKey  string
	Certificate string
	Topic       string
}

// Config is the fully validated bridge configuration: the channel settings
// and the ordered device list.
type Config struct {
	Cloud   Cloud
	Devices []device.Descriptor
}

// Load reads a configuration file. Files named *.yaml or *.yml use the YAML
// schema; everything else is parsed as the INI section format.
func Load(path string) (Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return loadYAML(path)
	default:
		return loadINI(path)
	}
}

func loadINI(path string) (Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "open config")
	}
	defer file.Close()

	// section name -> key -> value, plus section order for the device list
	sections := map[string]map[string]string{}
	var order []string
	current := ""

	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			current = strings.TrimSpace(strings.Trim(line, "[]"))
			if current == "" {
				return Config{}, errors.Errorf("empty section name on line %d", lineNum)
			}
			if _, ok := sections[current]; !ok {
				sections[current] = map[string]string{}
				order = append(order, current)
			}
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			return Config{}, errors.Errorf("invalid line %d: %s", lineNum, line)
		}
		if current == "" {
			return Config{}, errors.Errorf("key outside any section on line %d", lineNum)
		}
		key := strings.TrimSpace(parts[0])
		sections[current][key] = unquote(parts[1])
	}
	if err := scanner.Err(); err != nil {
		return Config{}, errors.Wrap(err, "read config")
	}

	cloudKeys, ok := sections[cloudSection]
	if !ok {
		return Config{}, errors.Errorf("missing [%s] section in %s", cloudSection, path)
	}
	cloud, err := buildCloud(cloudKeys)
	if err != nil {
		return Config{}, err
	}

	var devices []device.Descriptor
	for _, name := range order {
		if name == cloudSection {
			continue
		}
		desc, err := buildDevice(name, sections[name])
		if err != nil {
			return Config{}, err
		}
		devices = append(devices, desc)
	}

	return Config{Cloud: cloud, Devices: devices}, nil
}

func buildCloud(keys map[string]string) (Cloud, error) {
	required := []string{"thing_name", "endpoint", "certs_folder", "root_ca", "private_key", "certificate", "topic"}
	for _, k := range required {
		if strings.TrimSpace(keys[k]) == "" {
			return Cloud{}, errors.Errorf("missing key %q in [%s] section", k, cloudSection)
		}
	}

	port := defaultCloudPort
	if raw, ok := keys["port"]; ok {
		p, err := strconv.Atoi(raw)
		if err != nil || p <= 0 || p > 65535 {
			return Cloud{}, errors.Errorf("invalid [%s] port %q", cloudSection, raw)
		}
		port = p
	}

	folder := keys["certs_folder"]
	cloud := Cloud{
		ThingName:   keys["thing_name"],
		Endpoint:    keys["endpoint"],
		Port:        port,
		RootCA:      filepath.Join(folder, keys["root_ca"]),
		PrivateKey:  filepath.Join(folder, keys["private_key"]),
		Certificate: filepath.Join(folder, keys["certificate"]),
		Topic:       keys["topic"],
	}

	for _, p := range []string{cloud.RootCA, cloud.PrivateKey, cloud.Certificate} {
		if _, err := os.Stat(p); err != nil {
			return Cloud{}, errors.Wrapf(err, "credential file not found: %s", p)
		}
	}
	return cloud, nil
}

func buildDevice(section string, keys map[string]string) (device.Descriptor, error) {
	name := keys["name"]
	if name == "" {
		name = section
	}
	host := keys["ip"]
	if host == "" {
		return device.Descriptor{}, errors.Errorf("missing key %q in [%s] section", "ip", section)
	}

	port := uint16(defaultDevicePort)
	if raw, ok := keys["port"]; ok {
		p, err := strconv.ParseUint(raw, 10, 16)
		if err != nil || p == 0 {
			return device.Descriptor{}, errors.Errorf("invalid port %q in [%s] section", raw, section)
		}
		port = uint16(p)
	}

	reads, dropped := device.ParseQueries(keys["queries"])
	for _, q := range dropped {
		log.Warn().Str("device", name).Str("entry", q).Msg("dropping malformed queries entry")
	}

	return device.Descriptor{Name: name, Host: host, Port: port, Reads: reads}, nil
}

func unquote(value string) string {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "\"") && strings.HasSuffix(value, "\"") && len(value) >= 2 {
		return strings.Trim(value, "\"")
	}
	return value
}
