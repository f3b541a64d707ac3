package manifest

import "strings"

// Precache 合并应用外壳与构建注入的列表，保持首次出现的顺序并去重。
func Precache(appShell, injected []string) []string {
	seen := make(map[string]struct{}, len(appShell)+len(injected))
	result := make([]string, 0, len(appShell)+len(injected))
	for _, list := range [][]string{appShell, injected} {
		for _, entry := range list {
			entry = strings.TrimSpace(entry)
			if entry == "" {
				continue
			}
			if _, ok := seen[entry]; ok {
				continue
			}
			seen[entry] = struct{}{}
			result = append(result, entry)
		}
	}
	return result
}
