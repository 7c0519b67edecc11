package executor

import "fmt"

// Ssh runs commands on a remote host over ssh. Requires passwordless
// access; stashes are moved with scp.
type Ssh struct {
	base
	host string
}

// NewSsh opens an executor on host ("user@host" or a ssh config alias).
func NewSsh(host string, opts ...Option) (*Ssh, error) {
	b, err := newBase(opts)
	if err != nil {
		return nil, err
	}
	s := &Ssh{base: b, host: host}
	if b.temp {
		dir, err := mkTempDir(s)
		if err != nil {
			return nil, err
		}
		s.dir = dir
	}
	return s, nil
}

func (s *Ssh) Sh(command string, opts ...ShOption) ([]byte, error) {
	p := s.resolveSh(opts)
	printCommand(s.printer, command, p.censor)
	full := []string{"ssh", s.host, fmt.Sprintf("cd %s && /bin/bash -ce %s", shellQuote(orDot(s.dir)), shellQuote(command))}
	return Run(RunSpec{
		Command: full,
		Env:     p.env,
		Quiet:   p.quiet,
		Printer: s.printer,
		Censor:  p.censor,
		Output:  p.output,
		Kill:    p.kill,
		Timeout: p.timeout,
	})
}

func (s *Ssh) Stash(pathGlob string) (*Stash, error) {
	remotePath, err := tarToTmp(s, pathGlob)
	if err != nil {
		return nil, err
	}
	localPath := randomTmpPath()
	command := fmt.Sprintf("scp %s %s", shellQuote(s.host+":"+remotePath), shellQuote(localPath))
	printCommand(s.printer, command, nil)
	_, scpErr := localShell(".", command, shParams{kill: s.kill}, s.printer)
	if err := shRemoveTmpFile(s, remotePath); err != nil && scpErr == nil {
		scpErr = err
	}
	if scpErr != nil {
		return nil, scpErr
	}
	registerStashForCleanup(localPath)
	return &Stash{Path: localPath}, nil
}

func (s *Ssh) Unstash(stash *Stash, specificFile string) error {
	remotePath := randomTmpPath()
	command := fmt.Sprintf("scp %s %s", shellQuote(stash.Path), shellQuote(s.host+":"+remotePath))
	printCommand(s.printer, command, nil)
	if _, err := localShell(".", command, shParams{kill: s.kill}, s.printer); err != nil {
		return err
	}
	untarErr := untarToCwd(s, remotePath, specificFile)
	if err := shRemoveTmpFile(s, remotePath); err != nil && untarErr == nil {
		untarErr = err
	}
	return untarErr
}

func (s *Ssh) Close() error {
	if s.temp {
		return shRemoveTmpDir(s, s.dir)
	}
	return nil
}
