package executor

import "fmt"

// Local runs commands through the local bash.
type Local struct {
	base
}

// NewLocal opens a local executor.
func NewLocal(opts ...Option) (*Local, error) {
	b, err := newBase(opts)
	if err != nil {
		return nil, err
	}
	l := &Local{base: b}
	if b.temp {
		dir, err := mkTempDir(l)
		if err != nil {
			return nil, err
		}
		l.dir = dir
	}
	return l, nil
}

func (l *Local) Sh(command string, opts ...ShOption) ([]byte, error) {
	p := l.resolveSh(opts)
	printCommand(l.printer, command, p.censor)
	return localShell(l.dir, command, p, l.printer)
}

func (l *Local) Stash(pathGlob string) (*Stash, error) {
	path, err := tarToTmp(l, pathGlob)
	if err != nil {
		return nil, err
	}
	registerStashForCleanup(path)
	return &Stash{Path: path}, nil
}

// StashFromGitArchive stashes a commit's tree via git archive, without
// touching the working copy.
func (l *Local) StashFromGitArchive(commit string) (*Stash, error) {
	path := randomTmpPath()
	_, err := l.Sh(fmt.Sprintf("git archive %s -o %s --format tar.gz", shellQuote(commit), shellQuote(path)))
	if err != nil {
		return nil, err
	}
	registerStashForCleanup(path)
	return &Stash{Path: path}, nil
}

func (l *Local) Unstash(stash *Stash, specificFile string) error {
	return untarToCwd(l, stash.Path, specificFile)
}

func (l *Local) Close() error {
	if l.temp {
		return shRemoveTmpDir(l, l.dir)
	}
	return nil
}
