package companion

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// LocalConfigName is the override file pgAdmin imports from its web directory.
const LocalConfigName = "config_local.py"

// LocalConfig holds the values written into config_local.py.
type LocalConfig struct {
	DataDir string
	Host    string
	Port    int
}

// Render returns the config_local.py body. Desktop mode is forced so no
// login is required.
func (c LocalConfig) Render() string {
	host := c.Host
	if host == "" {
		host = "127.0.0.1"
	}
	join := func(name string) string { return strconv.Quote(filepath.Join(c.DataDir, name)) }
	var b strings.Builder
	b.WriteString("# Generated by localpg. Changes are overwritten on every start.\n")
	fmt.Fprintf(&b, "DATA_DIR = %s\n", strconv.Quote(c.DataDir))
	fmt.Fprintf(&b, "LOG_FILE = %s\n", join("pgadmin4.log"))
	fmt.Fprintf(&b, "SQLITE_PATH = %s\n", join("pgadmin4.db"))
	fmt.Fprintf(&b, "SESSION_DB_PATH = %s\n", join("sessions"))
	fmt.Fprintf(&b, "STORAGE_DIR = %s\n", join("storage"))
	b.WriteString("SERVER_MODE = False\n")
	b.WriteString("MASTER_PASSWORD_REQUIRED = False\n")
	fmt.Fprintf(&b, "DEFAULT_SERVER = %s\n", strconv.Quote(host))
	fmt.Fprintf(&b, "DEFAULT_SERVER_PORT = %d\n", c.Port)
	return b.String()
}

// WriteLocalConfig writes config_local.py beside the entrypoint and returns its path.
func WriteLocalConfig(inst Install, c LocalConfig) (string, error) {
	p := filepath.Join(inst.WebDir, LocalConfigName)
	if err := writeAtomic(p, []byte(c.Render()), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", LocalConfigName, err)
	}
	return p, nil
}

// ServerProfile is the single connection pgAdmin is pre-registered with.
type ServerProfile struct {
	Name          string
	Group         string
	Host          string
	Port          int
	Username      string
	MaintenanceDB string
}

type serverEntry struct {
	Name          string `json:"Name"`
	Group         string `json:"Group"`
	Host          string `json:"Host"`
	Port          int    `json:"Port"`
	MaintenanceDB string `json:"MaintenanceDB"`
	Username      string `json:"Username"`
	SSLMode       string `json:"SSLMode"`
}

// ServersJSON renders the load-servers import file with one fixed entry, so
// repeated imports with --replace converge on the same state.
func (p ServerProfile) ServersJSON() ([]byte, error) {
	doc := map[string]map[string]serverEntry{
		"Servers": {
			"1": {
				Name:          p.Name,
				Group:         p.Group,
				Host:          p.Host,
				Port:          p.Port,
				MaintenanceDB: p.MaintenanceDB,
				Username:      p.Username,
				SSLMode:       "prefer",
			},
		},
	}
	return json.MarshalIndent(doc, "", "  ")
}

func writeAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Chmod(name, perm); err != nil {
		_ = os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		_ = os.Remove(name)
		return err
	}
	return nil
}
