package post

import (
	"sync"
	"testing"

	"github.com/bmizerany/assert"
)

func TestPost(t *testing.T) {
	q := NewQueue()
	var a int
	q.Post(func() {
		a = 1
	})
	assert.Equal(t, 1, q.Len())
	q.Tick()
	assert.Equal(t, 1, a)
	assert.Equal(t, 0, q.Len())
}

func TestPostFromCallback(t *testing.T) {
	q := NewQueue()
	var order []int
	q.Post(func() {
		order = append(order, 1)
		q.Post(func() {
			order = append(order, 3)
		})
	})
	q.Post(func() {
		order = append(order, 2)
		panic("ignored")
	})
	q.Tick()
	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestPostConcurrent(t *testing.T) {
	q := NewQueue()
	var wg sync.WaitGroup
	count := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				q.Post(func() { count++ })
			}
		}()
	}
	wg.Wait()
	q.Tick()
	assert.Equal(t, 1000, count)
}
