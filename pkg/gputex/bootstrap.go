// Copyright 2020-2021 The OS-NVR Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation; version 2.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package gputex

import (
	"fmt"

	vk "github.com/goki/vulkan"
)

// BootstrappedDevice bundles a VulkanDevice with the instance it was
// created against, so the caller can tear the instance down on exit.
type BootstrappedDevice struct {
	*VulkanDevice
	instance vk.Instance
	device   vk.Device
}

// Close destroys the logical device and instance this Device was
// created against. Individual Texture allocations must be released
// before calling Close.
func (b *BootstrappedDevice) Close() {
	vk.DeviceWaitIdle(b.device)
	vk.DestroyDevice(b.device, nil)
	vk.DestroyInstance(b.instance, nil)
}

// NewDefaultVulkanDevice creates a headless Vulkan instance, picks the
// first physical device exposing a graphics-capable queue family, and
// opens a logical device against it with no extensions beyond the
// loader defaults. There is no window or swapchain here: this module
// renders into textures a compositor samples, never presents directly.
func NewDefaultVulkanDevice(appName string) (*BootstrappedDevice, error) {
	if err := vk.SetDefaultGetInstanceProcAddr(); err != nil {
		return nil, fmt.Errorf("gputex: load vulkan loader: %w", err)
	}
	if err := vk.Init(); err != nil {
		return nil, fmt.Errorf("gputex: init vulkan: %w", err)
	}

	instanceInfo := vk.InstanceCreateInfo{
		SType: vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: &vk.ApplicationInfo{
			SType:              vk.StructureTypeApplicationInfo,
			PApplicationName:   appName,
			ApplicationVersion: vk.MakeVersion(1, 0, 0),
			PEngineName:        "nvr-engine",
			EngineVersion:      vk.MakeVersion(1, 0, 0),
			ApiVersion:         vk.ApiVersion10,
		},
	}

	var instance vk.Instance
	if res := vk.CreateInstance(&instanceInfo, nil, &instance); res != vk.Success {
		return nil, fmt.Errorf("gputex: vkCreateInstance failed: %d", res)
	}

	physical, queueFamily, err := pickPhysicalDevice(instance)
	if err != nil {
		vk.DestroyInstance(instance, nil)
		return nil, err
	}

	device, err := createLogicalDevice(physical, queueFamily)
	if err != nil {
		vk.DestroyInstance(instance, nil)
		return nil, err
	}

	return &BootstrappedDevice{
		VulkanDevice: NewVulkanDevice(physical, device),
		instance:     instance,
		device:       device,
	}, nil
}

func pickPhysicalDevice(instance vk.Instance) (vk.PhysicalDevice, uint32, error) {
	var count uint32
	if res := vk.EnumeratePhysicalDevices(instance, &count, nil); res != vk.Success || count == 0 {
		return nil, 0, fmt.Errorf("gputex: no Vulkan physical devices available")
	}

	devices := make([]vk.PhysicalDevice, count)
	if res := vk.EnumeratePhysicalDevices(instance, &count, devices); res != vk.Success {
		return nil, 0, fmt.Errorf("gputex: vkEnumeratePhysicalDevices failed: %d", res)
	}

	for _, pd := range devices {
		if family, ok := findGraphicsQueueFamily(pd); ok {
			return pd, family, nil
		}
	}
	return nil, 0, fmt.Errorf("gputex: no physical device exposes a graphics queue family")
}

func findGraphicsQueueFamily(pd vk.PhysicalDevice) (uint32, bool) {
	var count uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(pd, &count, nil)
	props := make([]vk.QueueFamilyProperties, count)
	vk.GetPhysicalDeviceQueueFamilyProperties(pd, &count, props)

	for i := range props {
		props[i].Deref()
		if props[i].QueueFlags&vk.QueueFlags(vk.QueueGraphicsBit) != 0 {
			return uint32(i), true
		}
	}
	return 0, false
}

func createLogicalDevice(physical vk.PhysicalDevice, queueFamily uint32) (vk.Device, error) {
	queueInfo := vk.DeviceQueueCreateInfo{
		SType:            vk.StructureTypeDeviceQueueCreateInfo,
		QueueFamilyIndex: queueFamily,
		QueueCount:       1,
		PQueuePriorities: []float32{1.0},
	}

	deviceInfo := vk.DeviceCreateInfo{
		SType:                vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount: 1,
		PQueueCreateInfos:    []vk.DeviceQueueCreateInfo{queueInfo},
	}

	var device vk.Device
	if res := vk.CreateDevice(physical, &deviceInfo, nil, &device); res != vk.Success {
		return nil, fmt.Errorf("gputex: vkCreateDevice failed: %d", res)
	}
	return device, nil
}
