//go:build !linux

package layer

func defaultMounter() Mounter {
	return &copyMounter{}
}
