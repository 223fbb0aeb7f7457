package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/joshuapare/physkit/internal/logger"
	"github.com/joshuapare/physkit/phys/alloc"
	"github.com/joshuapare/physkit/virtio"
	"github.com/joshuapare/physkit/virtio/mmio"
	"github.com/joshuapare/physkit/virtio/simdev"
	"github.com/joshuapare/physkit/virtio/virtqueue"
)

var (
	queueMem      uint64
	queueLen      int
	queueGo       int
	queueRequests int
	queueLegacy   bool
	queueEventIdx bool
	queueInOrder  bool
	queueBatch    bool
	queueExecutor bool
	queueTimeout  time.Duration
)

func newQueueCmd() *cobra.Command {
	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Virtqueue tools",
	}
	stress := newQueueStressCmd()
	f := stress.Flags()
	f.Uint64Var(&queueMem, "mem", 16<<20, "Bytes of simulated RAM")
	f.IntVar(&queueLen, "len", 64, "Descriptors in the queue (power of two)")
	f.IntVarP(&queueGo, "goroutines", "g", 8, "Concurrent submitters")
	f.IntVarP(&queueRequests, "requests", "n", 1000, "Requests per submitter")
	f.BoolVar(&queueLegacy, "legacy", false, "Use a legacy (pre-1.0) device")
	f.BoolVar(&queueEventIdx, "event-idx", false, "Negotiate EVENT_IDX")
	f.BoolVar(&queueInOrder, "in-order", false, "Negotiate IN_ORDER")
	f.BoolVar(&queueBatch, "batch", false, "Have the device batch IN_ORDER completions")
	f.BoolVar(&queueExecutor, "executor", false, "Drive requests as executor tasks instead of goroutines")
	f.DurationVar(&queueTimeout, "timeout", time.Minute, "Give up after this long")

	queueCmd.AddCommand(stress)
	return queueCmd
}

func newQueueStressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stress",
		Short: "Echo requests through a simulated device from many goroutines",
		Long: `The stress command brings up a simulated console device over the MMIO
transport and has many submitters send requests through one virtqueue at
once. The device echoes each request upper-cased; every answer is checked.

Example:
  physctl queue stress -g 32 -n 5000 --len 16
  physctl queue stress --in-order --batch --event-idx
  physctl queue stress --executor --legacy`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQueueStress(cmd.Context(), cmd.OutOrStdout())
		},
	}
}

// QueueReport summarises a queue stress run.
type QueueReport struct {
	Features      string
	QueueLen      int
	Requests      uint64
	Retries       uint64
	Sent          uint64
	Completed     uint64
	Notified      uint64
	Notifications uint64
	Interrupts    uint64
	Elapsed       time.Duration
}

func upperEcho(_ uint32, req *simdev.Request) uint32 {
	return req.Write(bytes.ToUpper(req.ReadAll()))
}

// simRig is a simulated device wired to a driver.
type simRig struct {
	alloc *alloc.AllMemAlloc
	sim   *simdev.Device
	dev   *mmio.Device
	close func()
}

func newSimDevice(memSize uint64, deviceType uint32, handler simdev.Handler, offered, optional virtio.Feature, batch bool, qlen int) (*simRig, error) {
	a, done, err := newAllocator(memSize)
	if err != nil {
		return nil, err
	}
	var dev atomic.Pointer[mmio.Device]
	sim := simdev.New(a.Memory(), handler, simdev.Options{
		DeviceType:   deviceType,
		Features:     offered,
		Queues:       1,
		QueueNumMax:  uint32(virtqueue.MaxLen),
		BatchInOrder: batch,
		OnInterrupt: func() {
			if d := dev.Load(); d != nil {
				d.HandleInterrupt()
			}
		},
	})
	d, err := mmio.Init(sim, a, mmio.Options{
		DeviceType:  deviceType,
		Optional:    optional,
		Queues:      1,
		MaxQueueLen: qlen,
	})
	if err != nil {
		done()
		return nil, err
	}
	dev.Store(d)
	return &simRig{alloc: a, sim: sim, dev: d, close: func() { d.Close(); done() }}, nil
}

func runQueueStress(ctx context.Context, out io.Writer) error {
	if queueGo <= 0 || queueRequests < 0 {
		return fmt.Errorf("goroutines must be positive")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, queueTimeout)
	defer cancel()

	var offered virtio.Feature
	if !queueLegacy {
		offered |= virtio.FeatureVersion1
	}
	if queueEventIdx {
		offered |= virtio.FeatureEventIdx
	}
	if queueInOrder {
		offered |= virtio.FeatureInOrder
	}
	c, err := newSimDevice(queueMem, virtio.DeviceConsole, upperEcho, offered, offered, queueBatch, queueLen)
	if err != nil {
		return err
	}
	defer c.close()
	q := c.dev.Queues[0]
	printVerbose(out, "Queue of %d descriptors, features %s\n", q.Len(), q.Features().String())

	var retries atomic.Uint64
	start := time.Now()
	if queueExecutor {
		err = stressExecutor(ctx, c, q, &retries)
	} else {
		err = stressGoroutines(ctx, c, q, &retries)
	}
	if err != nil {
		return err
	}

	s := q.Stats()
	notes, ints, _ := c.sim.Stats()
	rep := QueueReport{
		Features:      q.Features().String(),
		QueueLen:      q.Len(),
		Requests:      uint64(queueGo * queueRequests),
		Retries:       retries.Load(),
		Sent:          s.Sent,
		Completed:     s.Completed,
		Notified:      s.Notified,
		Notifications: notes,
		Interrupts:    ints,
		Elapsed:       time.Since(start),
	}
	if s.Free != s.Capacity {
		return fmt.Errorf("%d descriptors still in flight after the run", s.InFlight)
	}
	logger.Info("queue stress finished", "requests", rep.Requests, "elapsed", rep.Elapsed)

	if jsonOut {
		return printJSON(out, rep)
	}
	printInfo(out, "Features:       %s\n", rep.Features)
	printInfo(out, "Queue length:   %d\n", rep.QueueLen)
	printInfo(out, "Requests:       %d (%d retries)\n", rep.Requests, rep.Retries)
	printInfo(out, "Completed:      %d\n", rep.Completed)
	printInfo(out, "Notifications:  %d sent, %d seen by device\n", rep.Notified, rep.Notifications)
	printInfo(out, "Interrupts:     %d\n", rep.Interrupts)
	printInfo(out, "Elapsed:        %s\n", rep.Elapsed.Round(time.Millisecond))
	if secs := rep.Elapsed.Seconds(); secs > 0 {
		printInfo(out, "Throughput:     %d req/s\n", int(float64(rep.Requests)/secs))
	}
	return nil
}

func requestText(worker, i int) string { return fmt.Sprintf("req-%d-%d", worker, i) }

func checkEcho(resp virtqueue.Response, msg string) error {
	if got := string(resp.Recv()); got != string(bytes.ToUpper([]byte(msg))) {
		return fmt.Errorf("echo mismatch: sent %q, got %q", msg, got)
	}
	return nil
}

func stressGoroutines(ctx context.Context, c *simRig, q *virtqueue.VirtQueue, retries *atomic.Uint64) error {
	errs := make([]error, queueGo)
	var wg sync.WaitGroup
	for w := range queueGo {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := c.alloc.Malloc(64, 8)
			if err != nil {
				errs[w] = err
				return
			}
			defer func() { _ = c.alloc.Free(b) }()
			for i := range queueRequests {
				msg := requestText(w, i)
				copy(b.Data, msg)
				var f *virtqueue.ResponseFuture
				for f == nil {
					r := q.SendRecv(b, uint64(len(msg)), len(msg))
					switch r.Status {
					case virtqueue.Ok:
						f = r.Future
					case virtqueue.Err:
						errs[w] = r.Err
						return
					case virtqueue.Retry:
						retries.Add(1)
						if f, err = q.Submit(ctx, b, uint64(len(msg)), len(msg)); err != nil {
							errs[w] = err
							return
						}
					}
				}
				resp, err := f.Wait(ctx)
				if err != nil {
					errs[w] = err
					return
				}
				if err := checkEcho(resp, msg); err != nil {
					errs[w] = err
					return
				}
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func stressExecutor(ctx context.Context, c *simRig, q *virtqueue.VirtQueue, retries *atomic.Uint64) error {
	ex := virtqueue.NewExecutor()
	errs := make([]error, queueGo)
	for w := range queueGo {
		b, err := c.alloc.Malloc(64, 8)
		if err != nil {
			return err
		}
		defer func() { _ = c.alloc.Free(b) }()

		i := 0
		var f *virtqueue.ResponseFuture
		var msg string
		ex.Spawn(func(wk virtqueue.Waker) bool {
			for i < queueRequests {
				if f == nil {
					msg = requestText(w, i)
					copy(b.Data, msg)
					r := q.SendRecv(b, uint64(len(msg)), len(msg))
					switch r.Status {
					case virtqueue.Retry:
						retries.Add(1)
						q.ProcessUsed()
						wk.Wake()
						return false
					case virtqueue.Err:
						errs[w] = r.Err
						return true
					}
					f = r.Future
				}
				resp, err := f.Poll(wk)
				if errors.Is(err, virtqueue.ErrPending) {
					return false
				}
				if err == nil {
					err = checkEcho(resp, msg)
				}
				if err != nil {
					errs[w] = err
					return true
				}
				f = nil
				i++
			}
			return true
		})
	}
	if err := ex.Run(ctx); err != nil {
		return err
	}
	return errors.Join(errs...)
}
