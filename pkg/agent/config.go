package agent

// Config locates the daemon's files. Everything else is read from ConfigPath, which is watched
// while the daemon runs.
type Config struct {
	ConfigPath string `json:"configPath"`
	DataDir    string `json:"dataDir"`
	LogLevel   string `json:"logLevel"`
}
