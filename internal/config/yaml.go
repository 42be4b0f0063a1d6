package config

import (
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"modbus-bridge/internal/device"
)

// YAML alternative to the INI format, same structure. queries keeps the
// "address,count;address,count" string form so both formats share one parser.

type yamlRoot struct {
	AWS     yamlCloud    `yaml:"aws"`
	Devices []yamlDevice `yaml:"devices"`
}

type yamlCloud struct {
	ThingName   string `yaml:"thing_name"`
	Endpoint    string `yaml:"endpoint"`
	Port        int    `yaml:"port"`
	CertsFolder string `yaml:"certs_folder"`
	RootCA      string `yaml:"root_ca"`
	PrivateKey  string `yaml:"private_key"`
	Certificate string `yaml:"certificate"`
	Topic       string `yaml:"topic"`
}

type yamlDevice struct {
	Name    string `yaml:"name"`
	IP      string `yaml:"ip"`
	Port    uint16 `yaml:"port"`
	Queries string `yaml:"queries"`
}

func loadYAML(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(err, "open config")
	}
	var root yamlRoot
	if err := yaml.Unmarshal(b, &root); err != nil {
		return Config{}, errors.Wrap(err, "parse yaml config")
	}

	cloudKeys := map[string]string{
		"thing_name":   root.AWS.ThingName,
		"endpoint":     root.AWS.Endpoint,
		"certs_folder": root.AWS.CertsFolder,
		"root_ca":      root.AWS.RootCA,
		"private_key":  root.AWS.PrivateKey,
		"certificate":  root.AWS.Certificate,
		"topic":        root.AWS.Topic,
	}
	cloud, err := buildCloud(cloudKeys)
	if err != nil {
		return Config{}, err
	}
	if root.AWS.Port > 0 {
		cloud.Port = root.AWS.Port
	}

	var devices []device.Descriptor
	for _, d := range root.Devices {
		if d.Name == "" || d.IP == "" {
			return Config{}, errors.Errorf("device entry needs name and ip (name=%q ip=%q)", d.Name, d.IP)
		}
		port := d.Port
		if port == 0 {
			port = defaultDevicePort
		}
		reads, dropped := device.ParseQueries(d.Queries)
		for _, q := range dropped {
			log.Warn().Str("device", d.Name).Str("entry", q).Msg("dropping malformed queries entry")
		}
		devices = append(devices, device.Descriptor{Name: d.Name, Host: d.IP, Port: port, Reads: reads})
	}

	return Config{Cloud: cloud, Devices: devices}, nil
}
