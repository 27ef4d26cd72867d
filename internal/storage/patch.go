package storage

import (
	"slices"
	"strings"
	"time"

	"github.com/spf13/cast"

	"im-sync/internal/imtypes"
)

// MergePatch 将补丁合并到 data 中并返回 data。
// 键中的 "." 表示嵌套字段，例如 "unreadCount.U1"。
// 值 imtypes.ServerTimestamp 被解析为 now；Increment、ArrayUnion、ArrayRemove 基于字段当前值计算。
func MergePatch(data map[string]any, patch map[string]any, now time.Time) map[string]any {
	if data == nil {
		data = make(map[string]any, len(patch))
	}
	for key, val := range patch {
		parent, leaf := walk(data, strings.Split(key, "."))
		parent[leaf] = resolve(parent[leaf], val, now)
	}
	return data
}

// walk 返回路径末级字段所在的 map，沿途缺失或非 map 的节点被替换为空 map。
func walk(data map[string]any, path []string) (map[string]any, string) {
	cur := data
	for _, p := range path[:len(path)-1] {
		next, ok := cur[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[p] = next
		}
		cur = next
	}
	return cur, path[len(path)-1]
}

func resolve(current, val any, now time.Time) any {
	switch v := val.(type) {
	case string:
		if v == imtypes.ServerTimestamp {
			return now.UTC()
		}
	case imtypes.Increment:
		return cast.ToInt64(current) + int64(v)
	case imtypes.ArrayUnion:
		out := slices.Clone(cast.ToStringSlice(current))
		for _, s := range v {
			if !slices.Contains(out, s) {
				out = append(out, s)
			}
		}
		return out
	case imtypes.ArrayRemove:
		return slices.DeleteFunc(slices.Clone(cast.ToStringSlice(current)), func(s string) bool {
			return slices.Contains(v, s)
		})
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, inner := range v {
			out[k] = resolve(nil, inner, now)
		}
		return out
	}
	return val
}
