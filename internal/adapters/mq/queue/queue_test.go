package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"
)

type job struct {
	group string
	index int
}

func TestInMemoryQueue_BasicOperations(t *testing.T) {
	Convey("Given an empty queue", t, func() {
		q := NewInMemoryQueue[job](WithCapacity(2))
		ctx := context.Background()
		So(q.Len(), ShouldEqual, 0)
		So(q.Capacity(), ShouldEqual, 2)

		Convey("When a job is enqueued and dequeued", func() {
			So(q.Enqueue(ctx, job{group: "PE", index: 0}), ShouldBeTrue)
			So(q.Len(), ShouldEqual, 1)
			got := <-q.Dequeue(ctx)

			Convey("Then it comes back intact", func() {
				So(got, ShouldResemble, job{group: "PE", index: 0})
				So(q.Len(), ShouldEqual, 0)
			})
		})
	})
}

func TestInMemoryQueue_Capacity(t *testing.T) {
	Convey("Given a queue of capacity 2", t, func() {
		q := NewInMemoryQueue[job](WithCapacity(2), WithBufferSize(1))
		ctx := context.Background()

		Convey("When a third job is offered", func() {
			So(q.Enqueue(ctx, job{index: 1}), ShouldBeTrue)
			So(q.Enqueue(ctx, job{index: 2}), ShouldBeTrue)

			Convey("Then it is rejected without blocking", func() {
				So(q.Enqueue(ctx, job{index: 3}), ShouldBeFalse)
				So(q.Len(), ShouldEqual, 2)
			})
		})

		Convey("When the context is already cancelled", func() {
			cctx, cancel := context.WithCancel(ctx)
			cancel()

			Convey("Then enqueue refuses the job", func() {
				So(q.Enqueue(cctx, job{index: 1}), ShouldBeFalse)
			})
		})
	})
}

func TestInMemoryQueue_ConcurrentAccess(t *testing.T) {
	Convey("Given producers and consumers sharing a queue", t, func() {
		q := NewInMemoryQueue[job](WithCapacity(16))
		ctx := context.Background()
		const producers, perProducer = 8, 50

		var consumed sync.WaitGroup
		consumed.Add(producers * perProducer)
		var mu sync.Mutex
		seen := map[job]bool{}
		for i := 0; i < 4; i++ {
			go func() {
				for j := range q.Dequeue(ctx) {
					mu.Lock()
					seen[j] = true
					mu.Unlock()
					consumed.Done()
				}
			}()
		}

		var produced sync.WaitGroup
		for p := 0; p < producers; p++ {
			produced.Add(1)
			go func(p int) {
				defer produced.Done()
				for i := 0; i < perProducer; i++ {
					for !q.Enqueue(ctx, job{index: p*perProducer + i}) {
						time.Sleep(time.Millisecond)
					}
				}
			}(p)
		}
		produced.Wait()
		consumed.Wait()
		So(q.Close(), ShouldBeNil)

		Convey("Then every job is delivered exactly once", func() {
			So(len(seen), ShouldEqual, producers*perProducer)
			So(q.Len(), ShouldEqual, 0)
		})
	})
}

func TestInMemoryQueue_GracefulShutdown(t *testing.T) {
	Convey("Given a queue holding two jobs", t, func() {
		q := NewInMemoryQueue[job](WithCapacity(10))
		ctx := context.Background()
		So(q.Enqueue(ctx, job{index: 1}), ShouldBeTrue)
		So(q.Enqueue(ctx, job{index: 2}), ShouldBeTrue)
		So(q.IsClosed(), ShouldBeFalse)

		Convey("When it is closed", func() {
			So(q.Close(), ShouldBeNil)

			Convey("Then new jobs are refused but queued ones drain", func() {
				So(q.IsClosed(), ShouldBeTrue)
				So(q.Enqueue(ctx, job{index: 3}), ShouldBeFalse)

				var drained []int
				timeout := time.After(time.Second)
				ch := q.Dequeue(ctx)
			loop:
				for {
					select {
					case j, ok := <-ch:
						if !ok {
							break loop
						}
						drained = append(drained, j.index)
					case <-timeout:
						break loop
					}
				}
				So(drained, ShouldResemble, []int{1, 2})
				So(q.Close(), ShouldBeNil)
			})
		})
	})
}

func TestInMemoryQueue_AbandonedConsumer(t *testing.T) {
	Convey("Given a consumer that stops reading after one job", t, func() {
		q := NewInMemoryQueue[job](WithCapacity(4))
		ctx, cancel := context.WithCancel(context.Background())
		for i := 1; i <= 3; i++ {
			So(q.Enqueue(context.Background(), job{index: i}), ShouldBeTrue)
		}
		first := <-q.Dequeue(ctx)
		cancel()

		Convey("Then the jobs it never received are still queued", func() {
			So(first.index, ShouldEqual, 1)
			So(q.Len(), ShouldEqual, 2)
			So(q.Close(), ShouldBeNil)

			var rest []int
			for j := range q.Dequeue(context.Background()) {
				rest = append(rest, j.index)
			}
			So(rest, ShouldResemble, []int{2, 3})
		})
	})
}
