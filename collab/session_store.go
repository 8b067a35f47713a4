package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"
)

// per page scene snapshots keyed by (documentId, pageNumber)
// scoped to one session and cleared on document switch or session end
type SessionStore interface {
	SavePage(ctx context.Context, documentId string, pageNumber int, elements []*SceneElement) error
	// false when there is no snapshot for the page
	LoadPage(ctx context.Context, documentId string, pageNumber int) ([]*SceneElement, bool, error)
	ClearDocument(ctx context.Context, documentId string) error
	Clear(ctx context.Context) error
}

type pageKey struct {
	documentId string
	pageNumber int
}

type MemorySessionStore struct {
	stateLock sync.Mutex
	pages     map[pageKey][]*SceneElement
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		pages: map[pageKey][]*SceneElement{},
	}
}

func cloneElements(elements []*SceneElement) []*SceneElement {
	clones := make([]*SceneElement, 0, len(elements))
	for _, element := range elements {
		clones = append(clones, element.Clone())
	}
	return clones
}

func (self *MemorySessionStore) SavePage(ctx context.Context, documentId string, pageNumber int, elements []*SceneElement) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.pages[pageKey{documentId, pageNumber}] = cloneElements(elements)
	return nil
}

func (self *MemorySessionStore) LoadPage(ctx context.Context, documentId string, pageNumber int) ([]*SceneElement, bool, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	elements, ok := self.pages[pageKey{documentId, pageNumber}]
	if !ok {
		return nil, false, nil
	}
	return cloneElements(elements), true, nil
}

func (self *MemorySessionStore) ClearDocument(ctx context.Context, documentId string) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for key := range self.pages {
		if key.documentId == documentId {
			delete(self.pages, key)
		}
	}
	return nil
}

func (self *MemorySessionStore) Clear(ctx context.Context) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	clear(self.pages)
	return nil
}

type RedisSessionStoreSettings struct {
	// snapshots stay in memory unless enabled
	Enabled   bool
	Addr      string
	Password  string
	Db        int
	KeyPrefix string
	// snapshots outlive a session by at most this
	Ttl time.Duration
}

func DefaultRedisSessionStoreSettings() *RedisSessionStoreSettings {
	return &RedisSessionStoreSettings{
		Addr:      "127.0.0.1:6379",
		KeyPrefix: "collab",
		Ttl:       12 * time.Hour,
	}
}

// snapshots in redis so they survive a client restart within the session
// keys:
//
//	<prefix>:<sessionId>:page:<documentId>:<pageNumber>  the json elements
//	<prefix>:<sessionId>:doc:<documentId>                set of page keys
//	<prefix>:<sessionId>:docs                            set of document ids
type RedisSessionStore struct {
	client    redis.UniversalClient
	sessionId string
	settings  *RedisSessionStoreSettings
}

func NewRedisClient(settings *RedisSessionStoreSettings) redis.UniversalClient {
	return redis.NewClient(&redis.Options{
		Addr:     settings.Addr,
		Password: settings.Password,
		DB:       settings.Db,
	})
}

func NewRedisSessionStore(client redis.UniversalClient, sessionId string, settings *RedisSessionStoreSettings) *RedisSessionStore {
	return &RedisSessionStore{
		client:    client,
		sessionId: sessionId,
		settings:  settings,
	}
}

func (self *RedisSessionStore) pageKey(documentId string, pageNumber int) string {
	return fmt.Sprintf("%s:%s:page:%s:%d", self.settings.KeyPrefix, self.sessionId, documentId, pageNumber)
}

func (self *RedisSessionStore) docKey(documentId string) string {
	return fmt.Sprintf("%s:%s:doc:%s", self.settings.KeyPrefix, self.sessionId, documentId)
}

func (self *RedisSessionStore) docsKey() string {
	return fmt.Sprintf("%s:%s:docs", self.settings.KeyPrefix, self.sessionId)
}

func (self *RedisSessionStore) SavePage(ctx context.Context, documentId string, pageNumber int, elements []*SceneElement) error {
	b, err := json.Marshal(elements)
	if err != nil {
		return err
	}
	pageKey := self.pageKey(documentId, pageNumber)
	_, err = self.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, pageKey, b, self.settings.Ttl)
		pipe.SAdd(ctx, self.docKey(documentId), pageKey)
		pipe.Expire(ctx, self.docKey(documentId), self.settings.Ttl)
		pipe.SAdd(ctx, self.docsKey(), documentId)
		pipe.Expire(ctx, self.docsKey(), self.settings.Ttl)
		return nil
	})
	if err != nil {
		return err
	}
	glog.V(2).Infof("[store]save %s (%d elements)\n", pageKey, len(elements))
	return nil
}

func (self *RedisSessionStore) LoadPage(ctx context.Context, documentId string, pageNumber int) ([]*SceneElement, bool, error) {
	b, err := self.client.Get(ctx, self.pageKey(documentId, pageNumber)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var elements []*SceneElement
	if err := json.Unmarshal(b, &elements); err != nil {
		return nil, false, err
	}
	return elements, true, nil
}

func (self *RedisSessionStore) ClearDocument(ctx context.Context, documentId string) error {
	pageKeys, err := self.client.SMembers(ctx, self.docKey(documentId)).Result()
	if err != nil {
		return err
	}
	_, err = self.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if 0 < len(pageKeys) {
			pipe.Del(ctx, pageKeys...)
		}
		pipe.Del(ctx, self.docKey(documentId))
		pipe.SRem(ctx, self.docsKey(), documentId)
		return nil
	})
	return err
}

func (self *RedisSessionStore) Clear(ctx context.Context) error {
	documentIds, err := self.client.SMembers(ctx, self.docsKey()).Result()
	if err != nil {
		return err
	}
	for _, documentId := range documentIds {
		if err := self.ClearDocument(ctx, documentId); err != nil {
			return err
		}
	}
	return self.client.Del(ctx, self.docsKey()).Err()
}
