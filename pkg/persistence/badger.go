package persistence

import (
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/nftbot/gonft/pkg/logger"
)

// BadgerService 基于 badger 的持久化服务。
// 与 JSONFileService 语义一致：按 key 覆盖写（last write wins），
// 适合频繁小状态写入（规则快照、监控集合等）。
type BadgerService struct {
	db *badger.DB
}

// NewBadgerService 打开（或创建）badger 数据库
func NewBadgerService(dir string) (*BadgerService, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil // badger 自带日志太吵，统一走我们的 logger
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerService{db: db}, nil
}

// NewStore 创建新的存储
func (s *BadgerService) NewStore(prefix, id, tag string) Store {
	return &badgerStore{
		db:  s.db,
		key: []byte(fmt.Sprintf("%s:%s:%s", prefix, id, tag)),
	}
}

// Close 关闭数据库
func (s *BadgerService) Close() error {
	return s.db.Close()
}

type badgerStore struct {
	db  *badger.DB
	key []byte
}

// Save 保存数据
func (s *badgerStore) Save(data interface{}) error {
	logger.Debugf("[persistence] badger Save: key=%s", s.key)
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(s.key, b)
	})
}

// Load 加载数据
func (s *badgerStore) Load(data interface{}) error {
	logger.Debugf("[persistence] badger Load: key=%s", s.key)
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(s.key)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotExists
			}
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return ErrNotExists
			}
			return json.Unmarshal(val, data)
		})
	})
}
