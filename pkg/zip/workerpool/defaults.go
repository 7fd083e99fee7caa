package workerpool

import "runtime"

func defaultMaxWorkers() int {
	if n := runtime.NumCPU(); n > 0 {
		return n
	}
	return 1
}
