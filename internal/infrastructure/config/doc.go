// Package config loads and validates configuration for the microscope
// service and the device host.
//
// Values are applied in order: defaults, the YAML file, then
// MICROSCOPE_* environment variables. Validate collects every problem
// instead of stopping at the first. The service and the device host share
// one file format; LoadHost relaxes the checks that only the service needs.
//
// Secrets (JWT secret, broker credentials, InfluxDB token) should come from
// the environment and the file should be readable by the service user only.
//
// Usage:
//
//	cfg, err := config.Load("configs/microscope.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, d := range cfg.Devices {
//	    fmt.Println(d.Name)
//	}
package config
