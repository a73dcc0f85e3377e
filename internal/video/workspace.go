package video

import (
	"os"
	"time"
)

// ワークディレクトリは jobID（バッチ内は itemID）で名前空間化され、
// 1ジョブ/アイテムが排他的に所有します。並行ジョブ間で共有されない
// ためロックは不要です。

func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0o750)
}

func removeDir(dir string) error {
	if dir == "" || dir == "/" {
		return nil
	}
	return os.RemoveAll(dir)
}

// scheduleCleanup は成果物の配送が完了したワークディレクトリを
// 有効期限経過後に削除します。ローカルパスを成果物として返した
// 場合は呼び出されません。
func (s *Service) scheduleCleanup(dir string) {
	expire := time.Duration(s.cfg.JobExpireMinutes) * time.Minute
	time.AfterFunc(expire, func() {
		_ = removeDir(dir)
	})
}
