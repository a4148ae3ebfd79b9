package db

import (
	"github.com/amirphl/sma-replay/internal/db/conf"
	_ "modernc.org/sqlite"
)

var sqliteDialect = dialect{name: conf.DriverSQLite, serial: "INTEGER PRIMARY KEY AUTOINCREMENT"}
