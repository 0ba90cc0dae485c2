package mizar

import (
	"fmt"
	"os"
	"path/filepath"
)

// The configure stage writes the static system configuration into the
// target root. It is one unit of work guarded by the single global
// checkpoint configure-system-complete; re-running it is harmless but
// pointless, so it skips like everything else.

type etcFile struct {
	path    string // relative to the target root
	mode    os.FileMode
	content string
}

func systemFiles() []etcFile {
	return []etcFile{
		{"etc/fstab", 0o644, fstabContent()},
		{"etc/hostname", 0o644, hostName + "\n"},
		{"etc/hosts", 0o644, hostsContent()},
		{"etc/os-release", 0o644, osReleaseContent()},
		{"etc/passwd", 0o644, passwdContent},
		{"etc/group", 0o644, groupContent},
		{"etc/shells", 0o644, "/bin/sh\n/bin/bash\n"},
		{"etc/profile", 0o644, profileContent},
		{"etc/inittab", 0o644, inittabContent},
	}
}

func fstabContent() string {
	return `# file system  mount-point    type     options             dump  fsck
/dev/sda1       /              ext4     defaults            1     1
proc            /proc          proc     nosuid,noexec,nodev 0     0
sysfs           /sys           sysfs    nosuid,noexec,nodev 0     0
devpts          /dev/pts       devpts   gid=5,mode=620      0     0
tmpfs           /run           tmpfs    defaults            0     0
devtmpfs        /dev           devtmpfs mode=0755,nosuid    0     0
tmpfs           /dev/shm       tmpfs    nosuid,nodev        0     0
`
}

func hostsContent() string {
	return fmt.Sprintf("127.0.0.1 localhost\n127.0.1.1 %s\n::1       localhost\n", hostName)
}

func osReleaseContent() string {
	return fmt.Sprintf(`NAME="MizarOS"
ID=mizar
VERSION_ID=%s
PRETTY_NAME="MizarOS %s"
HOME_URL="https://mizar-linux.org/"
`, version, version)
}

const passwdContent = `root:x:0:0:root:/root:/bin/bash
bin:x:1:1:bin:/dev/null:/usr/bin/false
daemon:x:6:6:Daemon User:/dev/null:/usr/bin/false
nobody:x:65534:65534:Unprivileged User:/dev/null:/usr/bin/false
`

const groupContent = `root:x:0:
bin:x:1:daemon
sys:x:2:
kmem:x:3:
tape:x:4:
tty:x:5:
daemon:x:6:
floppy:x:7:
disk:x:8:
lp:x:9:
dialout:x:10:
audio:x:11:
video:x:12:
utmp:x:13:
cdrom:x:15:
adm:x:16:
input:x:24:
users:x:999:
nogroup:x:65534:
`

const profileContent = `export PATH=/usr/bin:/usr/sbin:/bin:/sbin
export PS1='\u@\h:\w\$ '
umask 022
`

const inittabContent = `id:3:initdefault:

si::sysinit:/etc/rc.d/init.d/rc S

l0:0:wait:/etc/rc.d/init.d/rc 0
l1:S1:wait:/etc/rc.d/init.d/rc 1
l2:2:wait:/etc/rc.d/init.d/rc 2
l3:3:wait:/etc/rc.d/init.d/rc 3
l4:4:wait:/etc/rc.d/init.d/rc 4
l5:5:wait:/etc/rc.d/init.d/rc 5
l6:6:wait:/etc/rc.d/init.d/rc 6

ca:12345:ctrlaltdel:/sbin/shutdown -t1 -a -r now

su:S06:once:/sbin/sulogin
s1:1:respawn:/sbin/sulogin

1:2345:respawn:/sbin/agetty --noclear tty1 9600
2:2345:respawn:/sbin/agetty tty2 9600
3:2345:respawn:/sbin/agetty tty3 9600
`

// configureSystem writes all configuration files under root. Parent
// directories are created as needed so it also works against a bare tree
// in tests.
func configureSystem(root string) error {
	for _, f := range systemFiles() {
		dest := filepath.Join(root, f.path)
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", filepath.Dir(dest), err)
		}
		if err := os.WriteFile(dest, []byte(f.content), f.mode); err != nil {
			return fmt.Errorf("failed to write %s: %w", dest, err)
		}
		debugf("wrote %s\n", dest)
	}
	cPrintf(colNote, "System configuration written to %s/etc\n", root)
	return nil
}
