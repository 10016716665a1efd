package popularity

import (
	"strings"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// cases.Caser 带内部状态，不能在 goroutine 之间共享
var folders = sync.Pool{
	New: func() interface{} { return cases.Fold() },
}

// Normalize 返回查询的规范形式：NFKC 规范化、大小写折叠、去除首尾空白并合并内部空白。
// 统计、缓存键和预热去重都使用这一形式。
func Normalize(query string) string {
	s := norm.NFKC.String(query)
	folder := folders.Get().(cases.Caser)
	s = folder.String(s)
	folders.Put(folder)
	return strings.Join(strings.Fields(s), " ")
}
