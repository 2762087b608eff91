package common

import (
	"encoding/xml"
	"os"
)

type Config struct {
	Username        string  `xml:"username"`
	Password        string  `xml:"password"`
	DatabaseAddress string  `xml:"databaseAddress"`
	DatabaseName    string  `xml:"databaseName"`
	StorageType     *string `xml:"storageType,omitempty"`
	DefaultAddress  string  `xml:"address"`
	NASCAddress     *string `xml:"nascAddress,omitempty"`
	NASCPort        string  `xml:"nascPort"`
	NNASAddress     *string `xml:"nnasAddress,omitempty"`
	NNASPort        string  `xml:"nnasPort"`
	MaxConnections  *int    `xml:"maxConnections,omitempty"`
	LogLevel        *int    `xml:"logLevel"`
	KeysPath        string  `xml:"keysPath"`

	// Certificate roots, hex encoded
	LFCSModulus   string `xml:"lfcsModulus"`
	WiiUDeviceKey string `xml:"wiiuDeviceKey"`
	CTRDeviceKey  string `xml:"ctrDeviceKey"`
}

const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

func GetConfig() Config {
	config, err := LoadConfig("config.xml")
	if err != nil {
		panic(err)
	}

	return config
}

func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var config Config
	err = xml.Unmarshal(data, &config)
	if err != nil {
		return Config{}, err
	}

	if config.StorageType == nil {
		storageType := StoragePostgres
		config.StorageType = &storageType
	}

	if config.NASCAddress == nil {
		config.NASCAddress = &config.DefaultAddress
	}

	if config.NNASAddress == nil {
		config.NNASAddress = &config.DefaultAddress
	}

	if config.NASCPort == "" {
		config.NASCPort = "80"
	}

	if config.NNASPort == "" {
		config.NNASPort = "8080"
	}

	if config.MaxConnections == nil {
		maxConnections := 512
		config.MaxConnections = &maxConnections
	}

	if config.LogLevel == nil {
		level := 4
		config.LogLevel = &level
	}

	if config.KeysPath == "" {
		config.KeysPath = "./keys"
	}

	return config, nil
}
