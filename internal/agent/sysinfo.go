package agent

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// memPercent reads /proc/meminfo and returns used memory as a percentage.
// Returns zero when the file is unavailable (non-Linux development hosts).
func memPercent() float64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer f.Close()

	var memTotal, memAvailable int64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.Fields(scanner.Text())
		if len(parts) < 2 {
			continue
		}
		val, _ := strconv.ParseInt(parts[1], 10, 64)
		switch strings.TrimSuffix(parts[0], ":") {
		case "MemTotal":
			memTotal = val
		case "MemAvailable":
			memAvailable = val
		}
	}
	if memTotal <= 0 || memAvailable > memTotal {
		return 0
	}
	return float64(memTotal-memAvailable) / float64(memTotal) * 100
}

// loadPercent approximates CPU utilization from the one-minute load average
// scaled by CPU count.
func loadPercent() float64 {
	data, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	load, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	cpus := float64(numCPU())
	if cpus <= 0 {
		return 0
	}
	pct := load / cpus * 100
	if pct > 100 {
		pct = 100
	}
	return pct
}

func numCPU() int {
	data, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return 1
	}
	count := 0
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "processor") {
			count++
		}
	}
	if count == 0 {
		return 1
	}
	return count
}

// diskPercent returns utilization of the filesystem holding the data dir.
func diskPercent(path string) float64 {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0
	}
	total := st.Blocks * uint64(st.Bsize)
	if total == 0 {
		return 0
	}
	free := st.Bavail * uint64(st.Bsize)
	return float64(total-free) / float64(total) * 100
}
