package comm

import (
	"fmt"
	"os"
	"strconv"
)

// Launcher names supported for process-group bootstrap.
const (
	LauncherNone    = "none"
	LauncherPyTorch = "pytorch"
	LauncherMPI     = "mpi"
	LauncherSlurm   = "slurm"
)

const defaultMasterPort = 29500

// ProcInfo identifies this process within a launch.
type ProcInfo struct {
	Rank       int
	WorldSize  int
	LocalRank  int
	MasterAddr string
	MasterPort int
}

// InfoFromEnv reads the launch identity from the environment variables
// the given launcher sets.
func InfoFromEnv(launcher string) (ProcInfo, error) {
	switch launcher {
	case "", LauncherNone:
		return ProcInfo{WorldSize: 1, MasterAddr: "127.0.0.1", MasterPort: defaultMasterPort}, nil
	case LauncherPyTorch:
		return infoFromVars("RANK", "WORLD_SIZE", "LOCAL_RANK", launcher)
	case LauncherMPI:
		return infoFromVars("OMPI_COMM_WORLD_RANK", "OMPI_COMM_WORLD_SIZE", "OMPI_COMM_WORLD_LOCAL_RANK", launcher)
	case LauncherSlurm:
		return infoFromVars("SLURM_PROCID", "SLURM_NTASKS", "SLURM_LOCALID", launcher)
	default:
		return ProcInfo{}, fmt.Errorf("unknown launcher %q", launcher)
	}
}

func infoFromVars(rankVar, sizeVar, localVar, launcher string) (ProcInfo, error) {
	rank, err := intEnv(rankVar, -1)
	if err != nil {
		return ProcInfo{}, err
	}
	size, err := intEnv(sizeVar, -1)
	if err != nil {
		return ProcInfo{}, err
	}
	if rank < 0 || size < 1 {
		return ProcInfo{}, fmt.Errorf("launcher %q requires %s and %s in the environment", launcher, rankVar, sizeVar)
	}
	localRank, err := intEnv(localVar, rank)
	if err != nil {
		return ProcInfo{}, err
	}
	port, err := intEnv("MASTER_PORT", defaultMasterPort)
	if err != nil {
		return ProcInfo{}, err
	}
	addr := os.Getenv("MASTER_ADDR")
	if addr == "" {
		addr = "127.0.0.1"
	}
	return ProcInfo{
		Rank:       rank,
		WorldSize:  size,
		LocalRank:  localRank,
		MasterAddr: addr,
		MasterPort: port,
	}, nil
}

func intEnv(name string, def int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("environment variable %s=%q is not an integer", name, raw)
	}
	return n, nil
}
