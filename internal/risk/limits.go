package risk

import (
	"fmt"
	"strings"
	"sync"

	"tradegate/pkg/utils"

	"go.uber.org/zap"
)

// Store - хранилище риск-лимитов с доступом по dotted path
//
// Документ лимитов - вложенная структура (например "daily.max_abs_loss").
// Для каждого ключа существует компилированный дефолт: отсутствие файла,
// строки в БД или отдельного ключа никогда не фатально - Store всегда
// отдаёт пригодный набор лимитов.
//
// Персистентность опциональна (Persister == nil = только память) и
// управляется ключом persist_runtime_updates: runtime-изменение параметра
// применяется немедленно и переживает рестарт.
type Store struct {
	mu        sync.RWMutex
	doc       map[string]interface{}
	persister Persister
	log       *utils.Logger
}

// Persister - бэкенд долговременного хранения документа лимитов
type Persister interface {
	// Load читает сохранённый документ; (nil, nil) = документа ещё нет
	Load() (map[string]interface{}, error)

	// Save записывает документ целиком
	Save(doc map[string]interface{}) error
}

// Defaults возвращает компилированные значения лимитов по умолчанию
func Defaults() map[string]interface{} {
	return map[string]interface{}{
		"enabled":                 true,
		"currency":                "USDT",
		"persist_runtime_updates": true,
		"daily": map[string]interface{}{
			"max_abs_loss":     300.0,
			"max_drawdown_pct": 8.0,
			"max_trades":       50,
			"reset_time_utc":   "00:00",
		},
		"weekly": map[string]interface{}{
			"max_abs_loss":     1000.0,
			"max_drawdown_pct": 20.0,
			"reset_dow_utc":    "MONDAY",
		},
		"position": map[string]interface{}{
			"max_risk_pct":             1.0,
			"max_leverage":             10,
			"max_concurrent_positions": 3,
			"max_position_size_pct":    50.0,
			"min_position_size":        10.0,
		},
		"circuit_breaker": map[string]interface{}{
			"hard_stop":         true,
			"cool_down_minutes": 120,
		},
		"sizing": map[string]interface{}{
			"method":            "fixed_percent",
			"fixed_amount":      100.0,
			"fixed_percent":     5.0,
			"min_position_size": 10.0,
			"max_position_size": 10000.0,
		},
		"strategies": map[string]interface{}{},
	}
}

// NewStore создаёт хранилище лимитов
//
// Документ инициализируется дефолтами, затем поверх накладываются
// сохранённые значения (ошибки чтения не фатальны).
func NewStore(persister Persister, log *utils.Logger) *Store {
	if log == nil {
		log = utils.L()
	}
	s := &Store{
		doc:       Defaults(),
		persister: persister,
		log:       log.WithComponent("risk_limits"),
	}
	if err := s.Reload(); err != nil {
		s.log.Warn("failed to load persisted limits, using defaults", zap.Error(err))
	}
	return s
}

// Reload перечитывает документ из долговременного хранилища
//
// При ошибке чтения документ откатывается к дефолтам; ошибка возвращается
// для логирования, но Store остаётся рабочим.
func (s *Store) Reload() error {
	fresh := Defaults()

	var loadErr error
	if s.persister != nil {
		persisted, err := s.persister.Load()
		if err != nil {
			loadErr = err
		} else if persisted != nil {
			mergeDoc(fresh, persisted)
		}
	}

	s.mu.Lock()
	s.doc = fresh
	s.mu.Unlock()

	return loadErr
}

// Get возвращает значение по dotted path или default с предупреждением в логе
func (s *Store) Get(path string, def interface{}) interface{} {
	s.mu.RLock()
	v, ok := lookup(s.doc, path)
	s.mu.RUnlock()

	if !ok {
		s.log.Warn("limit path missing, using default",
			zap.String("path", path), zap.Any("default", def))
		return def
	}
	return v
}

// Lookup возвращает значение по dotted path без логирования отсутствия
// (для опциональных ключей, у которых отсутствие - штатный случай)
func (s *Store) Lookup(path string) (interface{}, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lookup(s.doc, path)
}

// GetFloat возвращает числовое значение лимита
func (s *Store) GetFloat(path string, def float64) float64 {
	if f, ok := toFloat(s.Get(path, def)); ok {
		return f
	}
	s.log.Warn("limit value is not numeric, using default", zap.String("path", path))
	return def
}

// GetInt возвращает целочисленное значение лимита
func (s *Store) GetInt(path string, def int) int {
	if f, ok := toFloat(s.Get(path, def)); ok {
		return int(f)
	}
	s.log.Warn("limit value is not numeric, using default", zap.String("path", path))
	return def
}

// GetBool возвращает булево значение лимита
func (s *Store) GetBool(path string, def bool) bool {
	if b, ok := s.Get(path, def).(bool); ok {
		return b
	}
	s.log.Warn("limit value is not boolean, using default", zap.String("path", path))
	return def
}

// GetString возвращает строковое значение лимита
func (s *Store) GetString(path string, def string) string {
	if str, ok := s.Get(path, def).(string); ok {
		return str
	}
	s.log.Warn("limit value is not a string, using default", zap.String("path", path))
	return def
}

// Set записывает значение по dotted path
//
// Изменение применяется в памяти немедленно; если персистентность
// не отключена ключом persist_runtime_updates, документ сохраняется
// в долговременное хранилище. Ошибка сохранения не откатывает
// изменение в памяти.
func (s *Store) Set(path string, value interface{}) error {
	if path == "" {
		return fmt.Errorf("empty limit path")
	}

	s.mu.Lock()
	if err := insert(s.doc, path, value); err != nil {
		s.mu.Unlock()
		return err
	}
	persist := true
	if v, ok := lookup(s.doc, "persist_runtime_updates"); ok {
		if b, isBool := v.(bool); isBool {
			persist = b
		}
	}
	snapshot := deepCopy(s.doc)
	s.mu.Unlock()

	s.log.Info("limit updated", zap.String("path", path), zap.Any("value", value))

	if persist && s.persister != nil {
		if err := s.persister.Save(snapshot); err != nil {
			s.log.Error("failed to persist limits", zap.Error(err))
			return err
		}
	}
	return nil
}

// Document возвращает глубокую копию документа лимитов (для отчётов)
func (s *Store) Document() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deepCopy(s.doc)
}

// ============================================================
// Работа с вложенными документами
// ============================================================

// lookup ищет значение по dotted path во вложенных map'ах
func lookup(doc map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	cur := interface{}(doc)

	for _, part := range parts {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// insert записывает значение по dotted path, создавая промежуточные секции
func insert(doc map[string]interface{}, path string, value interface{}) error {
	parts := strings.Split(path, ".")
	cur := doc

	for i, part := range parts {
		if part == "" {
			return fmt.Errorf("invalid limit path %q", path)
		}
		if i == len(parts)-1 {
			cur[part] = value
			return nil
		}

		next, ok := cur[part]
		if !ok {
			child := map[string]interface{}{}
			cur[part] = child
			cur = child
			continue
		}
		child, ok := next.(map[string]interface{})
		if !ok {
			return fmt.Errorf("limit path %q crosses a non-section value at %q", path, part)
		}
		cur = child
	}
	return nil
}

// mergeDoc накладывает src поверх dst рекурсивно (dst сохраняет ключи,
// которых нет в src - так отсутствующие в файле лимиты остаются дефолтными)
func mergeDoc(dst, src map[string]interface{}) {
	for k, sv := range src {
		if sm, ok := sv.(map[string]interface{}); ok {
			if dm, ok := dst[k].(map[string]interface{}); ok {
				mergeDoc(dm, sm)
				continue
			}
		}
		dst[k] = sv
	}
}

// deepCopy копирует вложенный документ
func deepCopy(doc map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		if m, ok := v.(map[string]interface{}); ok {
			out[k] = deepCopy(m)
			continue
		}
		out[k] = v
	}
	return out
}

// toFloat приводит численные представления (float64, int, int64) к float64
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
