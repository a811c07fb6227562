// file.go — файловая реализация KV: один JSON-файл на ключ.
// Запись атомарная: temp → fsync → rename.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// fileSuffix — расширение файлов значений.
const fileSuffix = ".json"

// FileKV — KV поверх каталога файловой системы.
// Ключ "auth/admin/token" хранится в <dir>/auth/admin/token.json.
type FileKV struct {
	dir string
	mu  sync.Mutex
}

// NewFileKV создаёт файловое хранилище в каталоге dir.
// Каталог создаётся при необходимости.
func NewFileKV(dir string) (*FileKV, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("не удалось создать каталог данных %s: %w", dir, err)
	}
	return &FileKV{dir: dir}, nil
}

// Dir возвращает корневой каталог хранилища.
func (s *FileKV) Dir() string {
	return s.dir
}

func (s *FileKV) path(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, filepath.FromSlash(key)+fileSuffix), nil
}

// Get читает значение ключа.
func (s *FileKV) Get(key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка чтения %s: %w", path, err)
	}
	return data, nil
}

// Set атомарно записывает значение ключа.
func (s *FileKV) Set(key string, value []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("не удалось создать директорию %s: %w", dir, err)
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("ошибка создания временного файла: %w", err)
	}

	if _, err := f.Write(value); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка записи: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка fsync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка закрытия файла: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("ошибка атомарного переименования: %w", err)
	}
	return nil
}

// Delete удаляет файл ключа. Отсутствие файла — не ошибка.
func (s *FileKV) Delete(key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("ошибка удаления %s: %w", path, err)
	}
	return nil
}
