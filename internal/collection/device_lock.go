package collection

import (
	"sync"
)

// DeviceLock 按设备维度的互斥锁
// 同设备报警的集合读改写必须串行，否则并发并入可能
// 丢失成员或产生重复的开放集合
type DeviceLock struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewDeviceLock 创建设备锁
func NewDeviceLock() *DeviceLock {
	return &DeviceLock{
		locks: make(map[string]*sync.Mutex),
	}
}

// Lock 锁定指定设备
func (d *DeviceLock) Lock(deviceID string) {
	d.forDevice(deviceID).Lock()
}

// Unlock 解锁指定设备
func (d *DeviceLock) Unlock(deviceID string) {
	d.forDevice(deviceID).Unlock()
}

func (d *DeviceLock) forDevice(deviceID string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()

	lock, ok := d.locks[deviceID]
	if !ok {
		lock = &sync.Mutex{}
		d.locks[deviceID] = lock
	}
	return lock
}
