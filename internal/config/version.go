package config

// Version is the application version, stamped into the startup log and
// the health endpoint.
const Version = "7.0.0"
