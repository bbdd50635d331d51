package stores

import (
	"context"
	"time"

	"github.com/liut/nemain/pkg/models/aigc"
	"github.com/liut/nemain/pkg/settings"
)

const (
	historyLifetimeS = time.Second * 86400
)

// History 某个 (用户, 模型) 的问答回放记录, 仅供界面重放
type History interface {
	GetKey() string
	Add(ctx context.Context, item *aigc.HistoryItem) error
	List(ctx context.Context) (aigc.HistoryItems, error)
	Clear(ctx context.Context) error
}

// NewHistory ...
func NewHistory(rc RedisClient, user, model string) History {
	return &history{rc: rc, user: user, model: model}
}

type history struct {
	rc    RedisClient
	user  string
	model string
}

func (s *history) GetKey() string {
	return "chist-" + s.user + "-" + s.model
}

func (s *history) Add(ctx context.Context, item *aigc.HistoryItem) error {
	key := s.GetKey()
	b, err := item.MarshalBinary()
	if err != nil {
		return err
	}
	res := s.rc.RPush(ctx, key, b)
	err = res.Err()
	if err == nil {
		logger().Debugw("add history ok", "key", key)
		count, _ := res.Result()
		if err = s.rc.Expire(ctx, key, historyLifetimeS).Err(); err != nil {
			return err
		}
		if limit := int64(settings.Current.HistoryMaxSize); limit > 0 && count > limit {
			logger().Infow("history length overflow", "key", key, "count", count)
			err = s.rc.LPop(ctx, key).Err()
		}
	}
	if err != nil {
		logger().Infow("add history fail", "key", key, "err", err)
	}
	return err
}

func (s *history) List(ctx context.Context) (data aigc.HistoryItems, err error) {
	ss := s.rc.LRange(ctx, s.GetKey(), 0, -1)
	err = ss.ScanSlice(&data)
	return
}

func (s *history) Clear(ctx context.Context) error {
	return s.rc.Del(ctx, s.GetKey()).Err()
}
