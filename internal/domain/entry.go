package domain

import "strings"

// MetadataEntry 是规范化后的标注条目（canonical metadata）。
//
// 不变量（由 normalizer 保证，写入后不可变）：
// - VideoID 与 Word 非空
// - 0 <= StartTime < EndTime
type MetadataEntry struct {
	VideoID   string  `json:"video_id"`
	Word      string  `json:"word"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
}

// Span 是一个词在源视频内的时间区间，单位秒，语义为 [Start, End)。
type Span struct {
	Start float64
	End   float64
}

// SlugWord 把词转成可安全用于文件名的形态。
//
// 规则：小写；字母/数字保留；其余字符折叠为单个 '-'；首尾不留 '-'。
// 注意：slug 可能碰撞（例如 "don't" 与 "dont"），碰撞后的行为与
// 重复词一致：后写覆盖先写。
func SlugWord(word string) string {
	var b strings.Builder
	b.Grow(len(word))
	pendingDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(word)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
		default:
			pendingDash = true
		}
	}
	return b.String()
}

// ClipStem 返回 (video, word) 对应的切片文件名主干（不含扩展名）。
// 切片视频为 <stem>.mp4，姿态输出为 <stem>.json，两者必须一致，
// 所以该函数是唯一的命名入口。
func ClipStem(videoID, word string) string {
	return videoID + "_" + SlugWord(word)
}
