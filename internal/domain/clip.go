package domain

// Clip 描述一个按词切出的视频片段。
//
// 生命周期：每个 (video, word) 至多产生一次；输出文件存在即视为已完成，
// 不会重新生成（文件存在性就是幂等标记）。
type Clip struct {
	VideoID string
	Word    string
	AbsPath string

	// Reused 表示本次运行没有重新切片（输出文件已存在）。
	Reused bool
}
