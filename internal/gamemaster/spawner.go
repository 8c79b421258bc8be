package gamemaster

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Spawner places new pieces on the board at a fixed interval while a round
// is running.
type Spawner struct {
	engine   *Engine
	interval time.Duration
	onSpawn  func(pieceID uint64)

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// StartSpawner starts spawning pieces on engine every interval. onSpawn
// may be nil.
func StartSpawner(engine *Engine, interval time.Duration, onSpawn func(pieceID uint64)) *Spawner {
	s := &Spawner{
		engine:   engine,
		interval: interval,
		onSpawn:  onSpawn,
		stopCh:   make(chan struct{}),
	}

	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Spawner) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			id, ok := s.engine.SpawnPiece()
			if !ok {
				continue
			}
			log.Trace().Uint64("piece_id", id).Msg("piece spawned")
			if s.onSpawn != nil {
				s.onSpawn(id)
			}
		}
	}
}

// Stop stops the spawner and waits for it to exit. It is safe to call
// more than once.
func (s *Spawner) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}
