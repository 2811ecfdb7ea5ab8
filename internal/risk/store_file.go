package risk

import (
	"fmt"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"
)

var limitsJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// FilePersister хранит документ лимитов в JSON-файле
//
// Запись атомарная: сначала во временный файл, затем rename - частично
// записанный документ никогда не виден читателям.
type FilePersister struct {
	path string
}

// NewFilePersister создаёт файловый бэкенд по указанному пути
func NewFilePersister(path string) *FilePersister {
	return &FilePersister{path: path}
}

// Load читает документ лимитов; отсутствие файла - не ошибка
func (p *FilePersister) Load() (map[string]interface{}, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read limits file %s: %w", p.path, err)
	}

	var doc map[string]interface{}
	if err := limitsJSON.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse limits file %s: %w", p.path, err)
	}
	return doc, nil
}

// Save записывает документ лимитов атомарно
func (p *FilePersister) Save(doc map[string]interface{}) error {
	data, err := limitsJSON.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal limits: %w", err)
	}

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create limits directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".limits-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temp limits file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write limits file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close limits file: %w", err)
	}

	if err := os.Rename(tmpName, p.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace limits file: %w", err)
	}
	return nil
}
