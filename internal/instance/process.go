package instance

import (
	"github.com/shirou/gopsutil/v3/process"
)

type systemProcesses struct{}

// SystemProcesses inspects the host process table.
func SystemProcesses() Processes { return systemProcesses{} }

func (systemProcesses) Exists(pid int) (bool, error) {
	return process.PidExists(int32(pid))
}

func (systemProcesses) Name(pid int) (string, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return "", err
	}
	return p.Name()
}

func (systemProcesses) Terminate(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return err
	}
	return p.Terminate()
}

func (systemProcesses) Kill(pid int) error {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return err
	}
	return p.Kill()
}
