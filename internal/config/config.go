package config

import (
	"flag"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
)

const (
	BackendLocal  = "local"
	BackendRemote = "remote"
)

type Config struct {
	Env            string        `yaml:"env" env:"ENV" env-default:"local" env-description:"Environment" env-choices:"local,dev,prod"`
	ApiPort        int           `yaml:"api_port" env:"API_PORT" env-default:"8080"`
	ApiHost        string        `yaml:"api_host" env:"API_HOST" env-default:"localhost"`
	Backend        string        `yaml:"backend" env:"BACKEND" env-default:"local" env-description:"Persistence backend" env-choices:"local,remote"`
	LocalStatePath string        `yaml:"local_state_path" env:"LOCAL_STATE_PATH" env-default:"./storage/vending.json"`
	JWTSecret      string        `yaml:"jwt_secret" env:"JWT_SECRET" env-default:"secret42212"`
	TokenTTL       time.Duration `yaml:"token_ttl" env:"TOKEN_TTL" env-default:"24h"`
	DefaultStock   int           `yaml:"default_stock" env:"DEFAULT_STOCK" env-default:"10"`
	Admin          `yaml:"admin"`
	Postgres       `yaml:"postgres"`
}

type Admin struct {
	Email    string `yaml:"email" env:"ADMIN_EMAIL" env-default:"admin@necc.com"`
	Name     string `yaml:"name" env-default:"Admin"`
	Password string `yaml:"password" env:"ADMIN_PASSWORD" env-default:"admin"`
	Balance  string `yaml:"balance" env-default:"1000"`
}

type Postgres struct {
	Host string `yaml:"host" env:"POSTGRES_HOST" env-default:"localhost"`
	Port string `yaml:"port" env:"POSTGRES_PORT" env-default:"5433"`
	User string `yaml:"user" env:"POSTGRES_USER" env-default:"test"`
	Pass string `yaml:"pass" env:"POSTGRES_PASS" env-default:"12345"`
	Db   string `yaml:"db" env:"POSTGRES_DB" env-default:"test_db"`
}

func MustLoad() *Config {
	// .env is optional; values from it only fill variables not already set.
	_ = godotenv.Load()

	path := fetchConfigPath()

	var cfg Config

	if path == "" {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			panic("Failed to read config from environment: " + err.Error())
		}
		return &cfg
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		panic("config file does not exist: " + path)
	}

	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		panic("Failed to read config" + err.Error())
	}

	return &cfg
}

func fetchConfigPath() string {
	var res string

	flag.StringVar(&res, "config", "", "path to config file")
	flag.Parse()

	if res == "" {
		res = os.Getenv("CONFIG_PATH")
	}

	return res
}
