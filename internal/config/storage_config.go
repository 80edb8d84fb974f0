package config

type Storage struct {
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	ProfileDBPath string `env:"PROFILE_DB_PATH" envDefault:"./data/profiles.db"`
}

var _ StorageConfig = Storage{}

func (s Storage) GetRedisAddr() string {
	return s.RedisAddr
}

func (s Storage) GetRedisPassword() string {
	return s.RedisPassword
}

func (s Storage) GetRedisDB() int {
	return s.RedisDB
}

func (s Storage) GetProfileDBPath() string {
	return s.ProfileDBPath
}
