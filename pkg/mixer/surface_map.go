package mixer

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/thoas/go-funk"
)

// targetMap maps a slider or switch index to the targets it controls
type targetMap struct {
	m    map[int][]string
	lock sync.Locker
}

func newTargetMap() *targetMap {
	return &targetMap{
		m:    make(map[int][]string),
		lock: &sync.Mutex{},
	}
}

// targetMapFromConfigs merges the user's mapping with the internal one. Targets are
// lowercased, blank ones dropped, and internal targets only add to what the user set
func targetMapFromConfigs(userMapping map[string][]string, internalMapping map[string][]string) *targetMap {
	resultMap := newTargetMap()

	normalize := func(targets []string) []string {
		return funk.UniqString(funk.Map(targets, func(s string) string {
			return strings.ToLower(strings.TrimSpace(s))
		}).([]string))
	}

	for idxString, targets := range userMapping {
		idx, err := strconv.Atoi(idxString)
		if err != nil {
			continue
		}

		resultMap.set(idx, funk.FilterString(normalize(targets), func(s string) bool {
			return s != ""
		}))
	}

	for idxString, targets := range internalMapping {
		idx, err := strconv.Atoi(idxString)
		if err != nil {
			continue
		}

		existingTargets, ok := resultMap.get(idx)
		if !ok {
			existingTargets = []string{}
		}

		filteredTargets := funk.FilterString(normalize(targets), func(s string) bool {
			return (!funk.ContainsString(existingTargets, s)) && s != ""
		})

		existingTargets = append(existingTargets, filteredTargets...)
		resultMap.set(idx, existingTargets)
	}

	return resultMap
}

func (m *targetMap) iterate(f func(int, []string)) {
	m.lock.Lock()
	keys := make([]int, 0, len(m.m))
	for key := range m.m {
		keys = append(keys, key)
	}
	m.lock.Unlock()

	sort.Ints(keys)

	for _, key := range keys {
		if value, ok := m.get(key); ok {
			f(key, value)
		}
	}
}

func (m *targetMap) get(key int) ([]string, bool) {
	m.lock.Lock()
	defer m.lock.Unlock()

	value, ok := m.m[key]
	return value, ok
}

func (m *targetMap) set(key int, value []string) {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.m[key] = value
}

func (m *targetMap) String() string {
	m.lock.Lock()
	defer m.lock.Unlock()

	controlCount := 0
	targetCount := 0

	for _, value := range m.m {
		controlCount++
		targetCount += len(value)
	}

	return fmt.Sprintf("<%d controls mapped to %d targets>", controlCount, targetCount)
}
