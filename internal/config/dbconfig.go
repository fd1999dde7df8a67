package config

import "github.com/joeshaw/envdecode"

// DBSettings is a plain struct snapshot of the database coordinates,
// decoded directly from the environment with envdecode. Workers use
// this instead of the Registry for their database connection: a
// worker only ever sees the environment the master re-exec'd it with,
// never the master's JSON config file, so a direct env decode is the
// more honest read path than routing back through registry lookups
// that would resolve to the same environment variables anyway.
type DBSettings struct {
	User            string  `env:"VSERVER_DBUSER,required"`
	Password        string  `env:"VSERVER_DBPASSWORD"`
	Name            string  `env:"VSERVER_DBNAME,required"`
	Host            string  `env:"VSERVER_DBHOST,required"`
	Port            int     `env:"VSERVER_DBPORT,default=5432"`
	MinConnections  int     `env:"VSERVER_DBMINCONNECTIONS,default=0"`
	MaxConnections  int     `env:"VSERVER_DBMAXCONNECTIONS,default=10"`
}

// LoadDBSettingsFromEnv decodes DBSettings straight from the environment.
// Used by worker processes, which never see the master's JSON config file
// argument but inherit the same environment.
func LoadDBSettingsFromEnv() (DBSettings, error) {
	var s DBSettings
	if err := envdecode.Decode(&s); err != nil {
		return DBSettings{}, err
	}
	return s, nil
}
