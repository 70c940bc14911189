package task

import (
	"fmt"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
)

// NetworkNamespaceInode reports the kernel identity of ospid's network
// namespace, read the same way /proc/<pid>/ns/net always has been: so two
// clone-spawned Tasks on this host can be compared for network-namespace
// sharing the way far.MountNamespace/far.PidNamespace compare their own
// identifiers. Network namespace has no far identifier of its own because,
// unlike mount and pid namespaces, there is no syscall handle a Task can be
// asked for it through; this only resolves for Tasks that share this host's
// /proc (clone-spawned, not SSH-spawned, whose ospid names a process on a
// different machine).
func NetworkNamespaceInode(ospid int) (string, error) {
	ns, err := netns.GetFromPid(ospid)
	if err != nil {
		return "", fmt.Errorf("task: open netns for pid %d: %w", ospid, err)
	}
	defer ns.Close()
	return ns.UniqueId(), nil
}

// NetworkInterfaces lists the network interfaces visible inside ospid's
// network namespace, by scoping a netlink socket to that namespace with
// NewHandleAt instead of the caller's own. Exported supplemental API for a
// caller that wants to inspect or configure a clone-spawned Task's network
// namespace from the host side (e.g. before wiring a veth into it), rather
// than something every Task construction path is expected to call.
func NetworkInterfaces(ospid int) ([]netlink.Link, error) {
	ns, err := netns.GetFromPid(ospid)
	if err != nil {
		return nil, fmt.Errorf("task: open netns for pid %d: %w", ospid, err)
	}
	defer ns.Close()

	h, err := netlink.NewHandleAt(ns)
	if err != nil {
		return nil, fmt.Errorf("task: netlink handle in netns of pid %d: %w", ospid, err)
	}
	defer h.Delete()

	links, err := h.LinkList()
	if err != nil {
		return nil, fmt.Errorf("task: list links in netns of pid %d: %w", ospid, err)
	}
	return links, nil
}
