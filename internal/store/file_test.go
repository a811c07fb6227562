package store

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestFileKV_SetGetDelete(t *testing.T) {
	dir := t.TempDir()
	kv, err := NewFileKV(dir)
	if err != nil {
		t.Fatalf("NewFileKV: %v", err)
	}

	if _, err := kv.Get("auth/admin/token"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ожидалась ErrNotFound, получено %v", err)
	}

	if err := kv.Set("auth/admin/token", []byte(`"tok"`)); err != nil {
		t.Fatalf("Set: %v", err)
	}

	path := filepath.Join(dir, "auth", "admin", "token.json")
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("файл ключа не создан: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("временный файл не должен оставаться после записи")
	}

	got, err := kv.Get("auth/admin/token")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != `"tok"` {
		t.Errorf("Get() = %s, ожидалось \"tok\"", got)
	}

	if err := kv.Set("auth/admin/token", []byte(`"tok2"`)); err != nil {
		t.Fatalf("повторный Set: %v", err)
	}
	got, _ = kv.Get("auth/admin/token")
	if string(got) != `"tok2"` {
		t.Errorf("после перезаписи Get() = %s", got)
	}

	if err := kv.Delete("auth/admin/token"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := kv.Delete("auth/admin/token"); err != nil {
		t.Errorf("повторный Delete не должен возвращать ошибку: %v", err)
	}
	if _, err := kv.Get("auth/admin/token"); !errors.Is(err, ErrNotFound) {
		t.Errorf("после Delete ожидалась ErrNotFound, получено %v", err)
	}
}

func TestFileKV_Persistence(t *testing.T) {
	dir := t.TempDir()
	kv1, _ := NewFileKV(dir)
	if err := kv1.Set("ui/theme", []byte(`"dark"`)); err != nil {
		t.Fatal(err)
	}

	kv2, _ := NewFileKV(dir)
	got, err := kv2.Get("ui/theme")
	if err != nil {
		t.Fatalf("значение не сохранилось между экземплярами: %v", err)
	}
	if string(got) != `"dark"` {
		t.Errorf("Get() = %s", got)
	}
}

func TestValidateKey(t *testing.T) {
	valid := []string{"ui/theme", "auth/admin/token", "accounts/known"}
	for _, k := range valid {
		if err := validateKey(k); err != nil {
			t.Errorf("validateKey(%q): неожиданная ошибка: %v", k, err)
		}
	}

	invalid := []string{"", "/abs", "a//b", "../escape", "a/./b", "trail/", `a\b`}
	for _, k := range invalid {
		if err := validateKey(k); err == nil {
			t.Errorf("validateKey(%q): ожидалась ошибка", k)
		}
	}
}

func TestMemoryKV(t *testing.T) {
	kv := NewMemoryKV()

	value := []byte("v")
	if err := kv.Set("a/b", value); err != nil {
		t.Fatal(err)
	}
	value[0] = 'x'

	got, err := kv.Get("a/b")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "v" {
		t.Errorf("значение должно копироваться при записи, получено %q", got)
	}
	if kv.Len() != 1 {
		t.Errorf("Len() = %d, ожидалось 1", kv.Len())
	}

	kv.Delete("a/b")
	if _, err := kv.Get("a/b"); !errors.Is(err, ErrNotFound) {
		t.Errorf("ожидалась ErrNotFound, получено %v", err)
	}
}
