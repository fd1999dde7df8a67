package config

import (
	"fmt"
	"regexp"
)

// NewGatewayRegistry builds the Registry with every recognised VSERVER_* config key
// registered, ready for Load.
func NewGatewayRegistry() *Registry {
	r := New("VSERVER")

	positive := func(v any) error {
		n, _ := v.(float64)
		if n <= 0 {
			return fmt.Errorf("must be > 0, got %v", v)
		}
		return nil
	}
	nonNegative := func(v any) error {
		n, _ := v.(float64)
		if n < 0 {
			return fmt.Errorf("must be >= 0, got %v", v)
		}
		return nil
	}

	r.Register("DBUSER", KindString, nil, nil)
	r.Register("DBPASSWORD", KindString, "", nil)
	r.Register("DBNAME", KindString, nil, nil)
	r.Register("DBHOST", KindString, nil, nil)
	r.Register("DBPORT", KindNumber, float64(5432), positive)
	r.Register("DBMINCONNECTIONS", KindNumber, float64(0), nonNegative)
	r.Register("DBMAXCONNECTIONS", KindNumber, float64(10), positive)

	r.Register("HTTPPORT", KindNumber, float64(8080), positive)
	r.Register("WSPORT", KindNumber, float64(8080), positive)

	r.Register("TLS", KindBool, false, nil)
	r.Register("KEYPATH", KindString, "", nil)
	r.Register("CERTPATH", KindString, "", nil)

	r.Register("MAXPAYLOADSIZE", KindNumber, float64(1_000_000), nonNegative)
	r.Register("TIMEOUT", KindNumber, float64(60), func(v any) error {
		n, _ := v.(float64)
		if n < 5 {
			return fmt.Errorf("must be >= 5, got %v", v)
		}
		return nil
	})
	r.Register("MAXMEMORY", KindNumber, float64(0), func(v any) error {
		n, _ := v.(float64)
		if n != 0 && n < 50 {
			return fmt.Errorf("must be 0 (unlimited) or >= 50, got %v", v)
		}
		return nil
	})

	r.Register("METRICSINTERVAL", KindNumber, float64(0), nonNegative)
	r.Register("METRICSTOKEN", KindString, "", nil)

	r.Register("WORKERS", KindNumber, float64(-1), nil)

	r.Register("LOGLEVEL", KindString, "info", nil)
	r.Register("LOGFORMAT", KindString, "json", nil)
	r.Register("CACHING", KindBool, true, nil)
	r.Register("SENTRYURL", KindString, "", nil)

	// CORS_* is a pattern-keyed family: any key with that prefix holds a
	// comma-separated origin list. No validator is attached; empty values
	// are skipped by PatternValues.
	r.RegisterPattern(regexp.MustCompile(`^CORS_[A-Z0-9_]+$`), KindString, nil)

	return r
}
