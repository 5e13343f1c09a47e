package control

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nhilabs/nhi/pkg/log"
)

// Server answers CLI requests on a unix socket, one request per
// connection.
type Server struct {
	core   Core
	path   string
	ln     net.Listener
	logger zerolog.Logger

	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer creates a control server bound to the socket at path.
func NewServer(core Core, path string) *Server {
	return &Server{
		core:   core,
		path:   path,
		logger: log.WithComponent("control"),
	}
}

// Start binds the socket, replacing any stale one from a previous
// run.
func (s *Server) Start() error {
	_ = os.Remove(s.path)

	ln, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("failed to bind control socket %s: %w", s.path, err)
	}
	s.ln = ln

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Stop closes the socket and waits for in-flight requests.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		if s.ln != nil {
			s.ln.Close()
		}
		os.Remove(s.path)
	})
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.serve(conn)
		}()
	}
}

func (s *Server) serve(conn net.Conn) {
	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.logger.Debug().Err(err).Msg("malformed control request")
		return
	}

	resp := s.dispatch(&req)
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.logger.Debug().Err(err).Msg("failed to write control response")
	}
}

func (s *Server) dispatch(req *Request) *Response {
	var err error
	resp := &Response{OK: true}

	switch req.Op {
	case OpStartDetached:
		instID, serr := s.core.StartDetached(req.Program, req.Args)
		err = serr
		resp.InstanceID = string(instID)
	case OpStop:
		err = s.core.StopInstance(req.ID)
	case OpPause:
		err = s.core.PauseInstance(req.ID)
	case OpResume:
		err = s.core.ResumeInstance(req.ID)
	case OpCheckpoint:
		err = s.core.Checkpoint(req.ID, req.Name)
	case OpRestore:
		err = s.core.RestoreCheckpoint(req.ID, req.Name)
	case OpMigrate:
		err = s.core.MigrateInstance(req.ID, req.Target)
	case OpCancel:
		err = s.core.CancelMigration(req.ID)
	case OpPurge:
		err = s.core.PurgeInstance(req.ID)
	case OpList:
		resp.Instances, resp.Remote = s.core.Instances()
	case OpNodes:
		resp.Nodes = s.core.Nodes()
	case OpLogs:
		resp.Log, err = s.core.InstanceLog(req.ID)
	default:
		err = fmt.Errorf("unknown operation %q", req.Op)
	}

	if err != nil {
		return &Response{OK: false, Error: err.Error()}
	}
	return resp
}
