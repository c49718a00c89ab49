package processfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-governor/pkg/errors"
	"github.com/core-tools/hsu-governor/pkg/logging"
)

const (
	DefaultAppName     = "hsu-governor"
	// DefaultServiceName names the governor daemon's PID and port files
	DefaultServiceName = "governor"
)

// ProcessFileConfig controls where the PID and port files of a service live
type ProcessFileConfig struct {
	// BaseDirectory overrides the context dependent default
	BaseDirectory string

	ServiceContext ServiceContext

	AppName string

	// UseSubdirectory puts the files under BaseDirectory/AppName
	UseSubdirectory bool
}

// ServiceContext selects the default directory
type ServiceContext string

const (
	// SystemService runs as a root daemon: /run or /var/run
	SystemService ServiceContext = "system"

	// UserService runs for one user: $XDG_RUNTIME_DIR or the temp dir
	UserService ServiceContext = "user"
)

// ProcessFileManager writes and reads the files a running service leaves behind
type ProcessFileManager struct {
	config ProcessFileConfig
	logger logging.Logger
}

func NewProcessFileManager(config ProcessFileConfig, logger logging.Logger) *ProcessFileManager {
	if config.AppName == "" {
		config.AppName = DefaultAppName
	}
	if config.ServiceContext == "" {
		config.ServiceContext = SystemService
	}
	return &ProcessFileManager{
		config: config,
		logger: logger,
	}
}

// DefaultConfig picks the system context for root and the user context for everybody else
func DefaultConfig() ProcessFileConfig {
	if os.Geteuid() == 0 {
		return ProcessFileConfig{ServiceContext: SystemService, UseSubdirectory: true}
	}
	return ProcessFileConfig{ServiceContext: UserService, UseSubdirectory: true}
}

func (m *ProcessFileManager) Directory() string {
	dir := m.baseDirectory()
	if m.config.UseSubdirectory {
		dir = filepath.Join(dir, m.config.AppName)
	}
	return dir
}

func (m *ProcessFileManager) PIDFilePath(name string) string {
	return filepath.Join(m.Directory(), name+".pid")
}

func (m *ProcessFileManager) PortFilePath(name string) string {
	return filepath.Join(m.Directory(), name+".port")
}

func (m *ProcessFileManager) WritePIDFile(name string, pid int) error {
	return m.writeNumber("PID", m.PIDFilePath(name), pid)
}

func (m *ProcessFileManager) WritePortFile(name string, port int) error {
	return m.writeNumber("port", m.PortFilePath(name), port)
}

func (m *ProcessFileManager) ReadPIDFile(name string) (int, error) {
	return m.readNumber("PID", m.PIDFilePath(name))
}

func (m *ProcessFileManager) ReadPortFile(name string) (int, error) {
	return m.readNumber("port", m.PortFilePath(name))
}

// RemoveFiles deletes both files; missing files are not an error
func (m *ProcessFileManager) RemoveFiles(name string) error {
	errs := errors.NewErrorCollection()
	for _, path := range []string{m.PIDFilePath(name), m.PortFilePath(name)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			errs.Add(errors.NewIOError("failed to remove process file", err).WithContext("path", path))
		}
	}
	return errs.ToError()
}

func (m *ProcessFileManager) writeNumber(kind, path string, value int) error {
	if err := ValidateDirectory(path); err != nil {
		m.logger.Errorf("%s file directory validation failed, path: %s, error: %v", kind, path, err)
		return err
	}

	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", value)), 0644); err != nil {
		m.logger.Errorf("Failed to write %s file, path: %s, error: %v", kind, path, err)
		return errors.NewIOError("failed to write "+kind+" file", err).WithContext("path", path)
	}

	m.logger.Infof("%s file written, value: %d, path: %s", kind, value, path)
	return nil
}

func (m *ProcessFileManager) readNumber(kind, path string) (int, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		m.logger.Debugf("Failed to read %s file, path: %s, error: %v", kind, path, err)
		return 0, errors.NewIOError("failed to read "+kind+" file", err).WithContext("path", path)
	}

	text := strings.TrimSpace(string(content))
	value, err := strconv.Atoi(text)
	if err != nil {
		return 0, errors.NewValidationError("invalid "+kind+" file content", err).
			WithContext("path", path).WithContext("content", text)
	}
	return value, nil
}

func (m *ProcessFileManager) baseDirectory() string {
	if m.config.BaseDirectory != "" {
		return m.config.BaseDirectory
	}

	switch m.config.ServiceContext {
	case UserService:
		if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
			return runtimeDir
		}
		return os.TempDir()
	default:
		// Modern systems use /run, older ones /var/run
		if _, err := os.Stat("/run"); err == nil {
			return "/run"
		}
		return "/var/run"
	}
}

// ValidateDirectory creates the parent directory of path if needed and checks it is writable
func ValidateDirectory(path string) error {
	dir := filepath.Dir(path)

	info, err := os.Stat(dir)
	switch {
	case os.IsNotExist(err):
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.NewIOError("failed to create directory", err).WithContext("directory", dir)
		}
	case err != nil:
		return errors.NewIOError("failed to access directory", err).WithContext("directory", dir)
	case !info.IsDir():
		return errors.NewValidationError("path is not a directory", nil).WithContext("path", dir)
	}

	probe := filepath.Join(dir, ".write_test")
	file, err := os.Create(probe)
	if err != nil {
		return errors.NewPermissionError("directory is not writable", err).WithContext("directory", dir)
	}
	file.Close()
	os.Remove(probe)

	return nil
}
