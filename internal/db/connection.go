package db

import (
	"fmt"

	"github.com/nanofarm/jobwatch/internal/config"
	"github.com/nanofarm/jobwatch/internal/db/drivers"
)

func NewConnection(config *config.Config) (drivers.Driver, error) {
	driver := config.DB.Driver

	if driver == "sqlite" {
		return drivers.NewSQLiteDriver(config.DB.DSN)
	} else if driver == "pg" {
		return drivers.NewPGDriver(config.DB.DSN)
	}

	return nil, fmt.Errorf("invalid database driver: %s", driver)
}
