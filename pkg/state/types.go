package state

import "path/filepath"

type Paths struct {
	DB         string
	Store      string // pebble data directory
	State      string
	Audit      string
	Compaction string // lease file for the compaction runner
	Logs       string
	Tmp        string
}

func PathsFor(dbPath string) Paths {
	statePath := filepath.Join(dbPath, "state")
	return Paths{
		DB:    dbPath,
		Store: filepath.Join(dbPath, "store"),

		State:      statePath,
		Audit:      filepath.Join(statePath, "audit"),
		Compaction: filepath.Join(statePath, "compaction"),
		Logs:       filepath.Join(statePath, "logs"),
		Tmp:        filepath.Join(statePath, "tmp"),
	}
}

func StorePath(dbPath string) string      { return PathsFor(dbPath).Store }
func AuditPath(dbPath string) string      { return PathsFor(dbPath).Audit }
func CompactionPath(dbPath string) string { return PathsFor(dbPath).Compaction }
func LogsPath(dbPath string) string       { return PathsFor(dbPath).Logs }
