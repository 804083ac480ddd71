package config

import (
	"fmt"
	"log"

	"github.com/spf13/viper"
)

// AppConfig holds the application-level configuration
type AppConfig struct {
	Port                 int    `mapstructure:"port"`
	StoragePath          string `mapstructure:"storage_path"`
	DBPath               string `mapstructure:"db_path"`
	ParallelismRatio     int    `mapstructure:"parallelism_ratio"`
	CompressionEnabled   bool   `mapstructure:"compression_enabled"`
	CompressionThreshold int64  `mapstructure:"compression_threshold"`
}

var Config *AppConfig

func LoadConfig(path string) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(path)
	viper.AutomaticEnv()

	viper.SetDefault("port", 8080)
	viper.SetDefault("storage_path", "./data/blobs")
	viper.SetDefault("db_path", "./data/meta")
	viper.SetDefault("parallelism_ratio", 2)
	viper.SetDefault("compression_enabled", true)
	viper.SetDefault("compression_threshold", 1024)

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("⚠️ Could not read config file, using defaults: %v", err)
	}

	var appConfig AppConfig
	if err := viper.Unmarshal(&appConfig); err != nil {
		log.Fatalf("❌ Unable to decode config into struct: %v", err)
	}

	Config = &appConfig

	fmt.Println("✅ Configuration loaded successfully.")
}
