package server

import (
	"context"
	"net"

	"google.golang.org/grpc"

	"github.com/veluca93/task-maker-go/internal/execcache"
	"github.com/veluca93/task-maker-go/internal/filestore"
	"github.com/veluca93/task-maker-go/internal/logging"
	"github.com/veluca93/task-maker-go/internal/proto"
	"github.com/veluca93/task-maker-go/internal/scheduler"
)

// Config carries the two shared secrets the server checks during the
// Hello handshake (spec §6: "an optional shared-secret password, one
// per listener, since clients and workers are different trust
// boundaries").
type Config struct {
	ClientSecret string
	WorkerSecret string
}

// Server owns the scheduler core and the two gRPC listeners that front
// it (spec §4.4: "two independent services share one Scheduler
// instance: ClientService and WorkerService").
type Server struct {
	Scheduler *scheduler.Scheduler
	FileStore *filestore.Store
	Cache     *execcache.Cache

	clientSrv *grpc.Server
	workerSrv *grpc.Server
}

// New builds a Server around fs/cache and registers both session
// services on two independent *grpc.Server instances, one per listener,
// so that a client-facing bind failure never affects worker traffic.
func New(fs *filestore.Store, cache *execcache.Cache, cfg Config) *Server {
	sched := scheduler.New(fs, cache)

	s := &Server{
		Scheduler: sched,
		FileStore: fs,
		Cache:     cache,
		clientSrv: grpc.NewServer(),
		workerSrv: grpc.NewServer(),
	}

	proto.RegisterClientServiceServer(s.clientSrv, &ClientHandler{
		Scheduler: sched,
		FileStore: fs,
		Secret:    cfg.ClientSecret,
	})
	proto.RegisterWorkerServiceServer(s.workerSrv, &WorkerHandler{
		Scheduler: sched,
		FileStore: fs,
		Secret:    cfg.WorkerSecret,
	})

	return s
}

// ServeClients blocks accepting client sessions on lis until it is
// closed or Stop is called.
func (s *Server) ServeClients(lis net.Listener) error {
	return s.clientSrv.Serve(lis)
}

// ServeWorkers blocks accepting worker sessions on lis until it is
// closed or Stop is called.
func (s *Server) ServeWorkers(lis net.Listener) error {
	return s.workerSrv.Serve(lis)
}

// Stop gracefully drains both listeners, then flushes the cache and
// file store (spec §6: "a graceful shutdown persists the execution
// cache before exiting").
func (s *Server) Stop(ctx context.Context, cacheRoot string) error {
	log := logging.G(ctx)
	s.clientSrv.GracefulStop()
	s.workerSrv.GracefulStop()
	if err := s.Cache.Save(ctx, cacheRoot); err != nil {
		log.WithError(err).Warn("server: failed to persist execution cache")
	}
	return s.FileStore.Flush()
}
