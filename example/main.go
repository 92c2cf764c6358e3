package main

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/gosync/cyclic"
)

func main() {
	participants := 5
	rounds := 3

	count := 0
	b, err := cyclic.NewBarrier(participants, cyclic.WithTripAction(func() error {
		count++
		fmt.Printf("\tcount: %d\n", count)
		return nil
	}))
	if err != nil {
		panic(err)
	}

	var wg sync.WaitGroup
	wg.Add(participants)

	for i := 0; i < participants; i++ {
		go func(id int) {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				dur := time.Duration(rand.Intn(200)) * time.Millisecond
				time.Sleep(dur)
				fmt.Printf("OK:%d\n", id)
				if _, err := b.Wait(context.Background()); err != nil {
					fmt.Printf("party %d: %v\n", id, err)
					return
				}
			}
		}(i)
	}

	wg.Wait()
}
